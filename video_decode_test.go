// video_decode_test.go - Tests for the decode ring and streaming path

package main

import (
	"io"
	"math"
	"testing"
	"time"
)

// syntheticDemuxer feeds pre-built packets, then EOF.
type syntheticDemuxer struct {
	params  PyroCodecParameters
	packets []PyroPacket
	index   int
}

func (d *syntheticDemuxer) CodecParameters() PyroCodecParameters { return d.params }

func (d *syntheticDemuxer) ReadPacket() (PyroPacket, error) {
	if d.index >= len(d.packets) {
		return PyroPacket{}, io.EOF
	}
	p := d.packets[d.index]
	d.index++
	return p, nil
}

func (d *syntheticDemuxer) Close() error { return nil }

// rawFrame builds a YUV420P frame with uniform luma.
func rawFrame(w, h int, luma byte) []byte {
	frame := make([]byte, w*h+2*(w/2)*(h/2))
	for i := 0; i < w*h; i++ {
		frame[i] = luma
	}
	for i := w * h; i < len(frame); i++ {
		frame[i] = 128
	}
	return frame
}

func rawVideoPacket(w, h int, luma byte, ptsUS int64, key bool) PyroPacket {
	return PyroPacket{
		Header:  MakePyroHeader(ptsUS, ptsUS, key, false),
		Payload: rawFrame(w, h, luma),
	}
}

const testVideoW, testVideoH = 64, 32

func newStreamDecoder(t *testing.T, packets []PyroPacket) *VideoDecoder {
	t.Helper()
	group := newTestThreadGroup(t)
	demuxer := &syntheticDemuxer{
		params: PyroCodecParameters{
			VideoCodec:   PyroVideoCodecNone,
			Width:        testVideoW,
			Height:       testVideoH,
			FrameRateNum: 25,
			FrameRateDen: 1,
		},
		packets: packets,
	}
	dec, err := NewVideoDecoderFromDemuxer(nil, group, demuxer, VideoDecoderOptions{})
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	if err := dec.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	t.Cleanup(dec.Close)
	return dec
}

// TestStreamKeyframeGate verifies the streaming path drops everything
// before the first keyframe and delivers the rest in pts order.
func TestStreamKeyframeGate(t *testing.T) {
	packets := []PyroPacket{
		rawVideoPacket(testVideoW, testVideoH, 10, -40000, false), // pre-key, dropped
		rawVideoPacket(testVideoW, testVideoH, 50, 0, true),
		rawVideoPacket(testVideoW, testVideoH, 100, 40000, false),
	}
	dec := newStreamDecoder(t, packets)

	var frame VideoFrame
	if !dec.AcquireVideoFrame(&frame, 5000) {
		t.Fatal("no first frame")
	}
	if math.Abs(frame.PTS-0.0) > 1e-9 {
		t.Fatalf("first pts = %f, expected 0.0", frame.PTS)
	}
	dec.ReleaseVideoFrame(frame.Index)

	if !dec.AcquireVideoFrame(&frame, 5000) {
		t.Fatal("no second frame")
	}
	if math.Abs(frame.PTS-0.04) > 1e-9 {
		t.Fatalf("second pts = %f, expected 0.04", frame.PTS)
	}
	dec.ReleaseVideoFrame(frame.Index)

	// Only the two post-key frames exist.
	if dec.AcquireVideoFrame(&frame, 200) {
		t.Fatalf("unexpected third frame with pts %f", frame.PTS)
	}
}

// TestAcquireOrderMonotonicPTS verifies acquired frames come out in
// non-decreasing pts order.
func TestAcquireOrderMonotonicPTS(t *testing.T) {
	var packets []PyroPacket
	for i := 0; i < 6; i++ {
		packets = append(packets, rawVideoPacket(testVideoW, testVideoH,
			byte(20*i), int64(i)*40000, i == 0))
	}
	dec := newStreamDecoder(t, packets)

	prev := -1.0
	got := 0
	var frame VideoFrame
	for dec.AcquireVideoFrame(&frame, 5000) {
		if frame.PTS < prev {
			t.Fatalf("pts regressed: %f after %f", frame.PTS, prev)
		}
		prev = frame.PTS
		got++
		dec.ReleaseVideoFrame(frame.Index)
	}
	if got != 6 {
		t.Fatalf("acquired %d frames, expected 6", got)
	}
}

// TestTryAcquireStates verifies the non-blocking acquire returns 0
// before data, 1 with a frame, and -1 after EOF drained.
func TestTryAcquireStates(t *testing.T) {
	packets := []PyroPacket{
		rawVideoPacket(testVideoW, testVideoH, 60, 0, true),
	}
	dec := newStreamDecoder(t, packets)

	var frame VideoFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		ret := dec.TryAcquireVideoFrame(&frame)
		if ret == 1 {
			break
		}
		if ret == -1 {
			t.Fatal("EOF before the only frame was delivered")
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	dec.ReleaseVideoFrame(frame.Index)

	deadline = time.Now().Add(5 * time.Second)
	for {
		ret := dec.TryAcquireVideoFrame(&frame)
		if ret == -1 {
			break
		}
		if ret == 1 {
			t.Fatal("unexpected extra frame")
		}
		if time.Now().After(deadline) {
			t.Fatal("EOF never reported")
		}
		time.Sleep(time.Millisecond)
	}
}

// TestDecodedFrameConversion verifies the grey raw frame converts to a
// grey sRGB image via the limited-range matrix.
func TestDecodedFrameConversion(t *testing.T) {
	// Luma code 126 in limited range expands to (126-16)/219 ~= 0.502.
	packets := []PyroPacket{
		rawVideoPacket(testVideoW, testVideoH, 126, 0, true),
	}
	dec := newStreamDecoder(t, packets)

	var frame VideoFrame
	if !dec.AcquireVideoFrame(&frame, 5000) {
		t.Fatal("no frame")
	}
	defer dec.ReleaseVideoFrame(frame.Index)

	expected := (126.0 - 16.0) / 219.0 * 255.0
	for _, c := range []int{0, 1, 2} {
		got := float64(frame.RGB[c])
		if math.Abs(got-expected) > 2.0 {
			t.Fatalf("channel %d = %f, expected ~%f", c, got, expected)
		}
	}
	if frame.RGB[3] != 255 {
		t.Fatal("alpha not opaque")
	}
}

// TestRingStateMachine verifies release returns slots to Idle with a
// fresh idle order so the decoder cycles the whole ring.
func TestRingStateMachine(t *testing.T) {
	// More frames than ring slots (ring is >= 8).
	var packets []PyroPacket
	for i := 0; i < 24; i++ {
		packets = append(packets, rawVideoPacket(testVideoW, testVideoH,
			byte(10*i), int64(i)*40000, i == 0))
	}
	dec := newStreamDecoder(t, packets)

	got := 0
	var frame VideoFrame
	for dec.AcquireVideoFrame(&frame, 5000) {
		dec.ReleaseVideoFrame(frame.Index)
		got++
	}
	// Some early frames may be trampled under backpressure, but the
	// tail must flow through and EOF must be clean.
	if got < 16 {
		t.Fatalf("acquired only %d of 24 frames", got)
	}
}

// TestAudioRateFactor verifies the drift correction is piecewise:
// large deltas clamp to +-0.5%.
func TestAudioRateFactor(t *testing.T) {
	a := newVideoAudioState(48000, 2)
	d := &VideoDecoder{audio: a}

	d.SetAudioDeltaRateFactor(0.5)
	if math.Abs(a.rateFactor()-1.005) > 1e-9 {
		t.Fatalf("large positive delta factor = %f", a.rateFactor())
	}
	d.SetAudioDeltaRateFactor(-0.5)
	if math.Abs(a.rateFactor()-0.995) > 1e-9 {
		t.Fatalf("large negative delta factor = %f", a.rateFactor())
	}
	d.SetAudioDeltaRateFactor(0.04)
	if math.Abs(a.rateFactor()-(1.0+0.05*0.04)) > 1e-9 {
		t.Fatalf("small delta factor = %f", a.rateFactor())
	}
}

// TestAudioRingStreamMixes verifies decoded audio flows through the
// mixer stream with progress tracking.
func TestAudioRingStreamMixes(t *testing.T) {
	a := newVideoAudioState(48000, 2)

	samples := make([]float32, 960*2)
	for i := range samples {
		samples[i] = 0.25
	}
	a.pushPacket(samples, 1.5)

	stream := a.newStream()
	if !stream.Setup(48000, 2, 512) {
		t.Fatal("setup failed")
	}
	bufs := [][]float32{make([]float32, 480), make([]float32, 480)}
	got := stream.AccumulateSamples(bufs, []float32{1, 1}, 480)
	if got != 480 {
		t.Fatalf("accumulated %d, expected 480", got)
	}
	// Skip the first interpolated sample.
	for i := 4; i < 480; i++ {
		if math.Abs(float64(bufs[0][i])-0.25) > 1e-3 {
			t.Fatalf("sample %d = %f, expected 0.25", i, bufs[0][i])
		}
	}

	pts, _ := a.latestProgress()
	if pts != 1.5 {
		t.Fatalf("progress pts = %f, expected 1.5", pts)
	}
}

// TestEstimatedAudioTimestampSmoothing verifies first-call latch and
// snap behavior.
func TestEstimatedAudioTimestampSmoothing(t *testing.T) {
	a := newVideoAudioState(48000, 2)
	d := &VideoDecoder{audio: a}

	samples := make([]float32, 480*2)
	a.pushPacket(samples, 10.0)
	// Mark the packet as playing now.
	a.progress[0].sampledNS.Store(time.Now().UnixNano())

	first := d.GetEstimatedAudioPlaybackTimestamp(0)
	if math.Abs(first-10.0) > 0.05 {
		t.Fatalf("latched pts = %f, expected ~10", first)
	}

	// Advancing a little keeps continuity.
	next := d.GetEstimatedAudioPlaybackTimestamp(0.016)
	if next < first {
		t.Fatalf("smoothed pts regressed: %f -> %f", first, next)
	}

	// A wild jump in raw pts snaps.
	a.pushPacket(samples, 60.0)
	a.progress[1].sampledNS.Store(time.Now().UnixNano())
	a.playIndex.Store(1)
	snapped := d.GetEstimatedAudioPlaybackTimestamp(0.016)
	if math.Abs(snapped-60.0) > 0.1 {
		t.Fatalf("snap produced %f, expected ~60", snapped)
	}
}
