// pyro_protocol_test.go - Tests for the pyro wire protocol

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestPyroHeaderRoundTrip verifies the 128-bit header codec, including
// the 64-bit pts split.
func TestPyroHeaderRoundTrip(t *testing.T) {
	h := MakePyroHeader(0x1_2345_6789, 0x1_2345_0000, true, false)
	if h.PTS() != 0x1_2345_6789 {
		t.Fatalf("pts = %x", h.PTS())
	}
	if h.DTS() != 0x1_2345_0000 {
		t.Fatalf("dts = %x", h.DTS())
	}
	if !h.IsKeyFrame() || h.IsAudio() {
		t.Fatalf("flags = %x", h.Flags)
	}

	buf := make([]byte, pyroHeaderSize)
	EncodePyroHeader(h, buf)
	back, ok := DecodePyroHeader(buf)
	if !ok || back != h {
		t.Fatalf("decoded %+v, expected %+v", back, h)
	}
}

// TestPyroHeaderAudioBit verifies the stream-type bit.
func TestPyroHeaderAudioBit(t *testing.T) {
	h := MakePyroHeader(1000, 1000, false, true)
	if !h.IsAudio() || h.IsKeyFrame() {
		t.Fatalf("flags = %x", h.Flags)
	}
	if h.DTSDelta != 0 {
		t.Fatalf("dts delta = %d for pts==dts", h.DTSDelta)
	}
}

// TestPyroCodecParametersRoundTrip verifies the bootstrap block codec.
func TestPyroCodecParametersRoundTrip(t *testing.T) {
	params := PyroCodecParameters{
		VideoCodec:        PyroVideoCodecH265,
		AudioCodec:        PyroAudioCodecRawS16LE,
		Width:             1920,
		Height:            1080,
		FrameRateNum:      60000,
		FrameRateDen:      1001,
		Channels:          2,
		Rate:              48000,
		VideoColorProfile: PyroColorBT709LimitedLeftChroma420,
	}
	back, ok := decodePyroCodecParameters(encodePyroCodecParameters(params))
	if !ok || back != params {
		t.Fatalf("round trip %+v", back)
	}
}

// TestPyroServerClientStream verifies a full packet trip: codec
// parameters on connect, then video and audio packets in order, plus
// the join-time force-IDR flag.
func TestPyroServerClientStream(t *testing.T) {
	server := NewPyroStreamServer()
	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer httpServer.Close()

	params := PyroCodecParameters{
		VideoCodec:   PyroVideoCodecH264,
		AudioCodec:   PyroAudioCodecRawS16LE,
		Width:        640,
		Height:       360,
		FrameRateNum: 30,
		FrameRateDen: 1,
		Channels:     2,
		Rate:         48000,
	}
	server.SetCodecParameters(params)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	client, err := DialPyroStream(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if client.CodecParameters() != params {
		t.Fatalf("client params %+v", client.CodecParameters())
	}

	// A fresh client must force an IDR exactly once.
	deadline := time.Now().Add(2 * time.Second)
	for server.NumClients() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !server.ShouldForceIDR() {
		t.Fatal("join did not raise the IDR flag")
	}
	if server.ShouldForceIDR() {
		t.Fatal("IDR flag did not clear")
	}

	server.WriteVideoPacket(1000, 1000, []byte{1, 2, 3}, true)
	server.WriteAudioPacket(2000, 2000, []byte{4, 5})

	video, err := client.ReadPacket()
	if err != nil {
		t.Fatalf("read video: %v", err)
	}
	if video.Header.IsAudio() || !video.Header.IsKeyFrame() || video.Header.PTS() != 1000 {
		t.Fatalf("video packet %+v", video.Header)
	}
	if string(video.Payload) != string([]byte{1, 2, 3}) {
		t.Fatalf("video payload %v", video.Payload)
	}

	audio, err := client.ReadPacket()
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if !audio.Header.IsAudio() || audio.Header.PTS() != 2000 {
		t.Fatalf("audio packet %+v", audio.Header)
	}
}
