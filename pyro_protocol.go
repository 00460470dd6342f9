// pyro_protocol.go - Pyro streaming wire protocol over websocket transport

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
pyro_protocol.go - Pyro stream packets

Every payload carries a 128-bit header: pts split into lo/hi u32, a
dts delta, and a flags word with the key-frame and stream-type bits.
Codec parameters travel once per connection as a dedicated message.

The server side fans encoded packets out to websocket clients and
implements MuxStreamCallback for the encoder; a freshly-connected
client raises the force-IDR flag so it can join mid-stream. The client
side implements DemuxerIOInterface for the decoder.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

type PyroVideoCodec uint32

const (
	PyroVideoCodecNone PyroVideoCodec = iota
	PyroVideoCodecH264
	PyroVideoCodecH265
	PyroVideoCodecAV1
)

type PyroAudioCodec uint32

const (
	PyroAudioCodecNone PyroAudioCodec = iota
	PyroAudioCodecOpus
	PyroAudioCodecAAC
	PyroAudioCodecRawS16LE
)

type PyroColorProfile uint32

const (
	PyroColorBT709LimitedLeftChroma420 PyroColorProfile = iota
	PyroColorBT709FullLeftChroma420
	PyroColorBT2020PQLimitedLeftChroma420
)

// PyroCodecParameters is the stream bootstrap block.
type PyroCodecParameters struct {
	VideoCodec        PyroVideoCodec
	AudioCodec        PyroAudioCodec
	Width             uint32
	Height            uint32
	FrameRateNum      uint32
	FrameRateDen      uint32
	Channels          uint32
	Rate              uint32
	VideoColorProfile PyroColorProfile
}

const (
	PyroPayloadKeyFrameBit   = 1 << 0
	PyroPayloadStreamTypeBit = 1 << 1 // 0 = video, 1 = audio
)

const pyroHeaderSize = 16

// PyroPacketHeader is the 128-bit per-packet header.
type PyroPacketHeader struct {
	PTSLo    uint32
	PTSHi    uint32
	DTSDelta uint32
	Flags    uint32
}

func (h *PyroPacketHeader) PTS() int64 {
	return int64(uint64(h.PTSLo) | uint64(h.PTSHi)<<32)
}

func (h *PyroPacketHeader) DTS() int64 {
	return h.PTS() - int64(h.DTSDelta)
}

func (h *PyroPacketHeader) IsKeyFrame() bool {
	return h.Flags&PyroPayloadKeyFrameBit != 0
}

func (h *PyroPacketHeader) IsAudio() bool {
	return h.Flags&PyroPayloadStreamTypeBit != 0
}

func EncodePyroHeader(h PyroPacketHeader, dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], h.PTSLo)
	binary.LittleEndian.PutUint32(dst[4:], h.PTSHi)
	binary.LittleEndian.PutUint32(dst[8:], h.DTSDelta)
	binary.LittleEndian.PutUint32(dst[12:], h.Flags)
}

func DecodePyroHeader(src []byte) (PyroPacketHeader, bool) {
	if len(src) < pyroHeaderSize {
		return PyroPacketHeader{}, false
	}
	return PyroPacketHeader{
		PTSLo:    binary.LittleEndian.Uint32(src[0:]),
		PTSHi:    binary.LittleEndian.Uint32(src[4:]),
		DTSDelta: binary.LittleEndian.Uint32(src[8:]),
		Flags:    binary.LittleEndian.Uint32(src[12:]),
	}, true
}

func MakePyroHeader(pts, dts int64, isKey, isAudio bool) PyroPacketHeader {
	h := PyroPacketHeader{
		PTSLo: uint32(uint64(pts) & 0xffffffff),
		PTSHi: uint32(uint64(pts) >> 32),
	}
	if dts <= pts {
		h.DTSDelta = uint32(pts - dts)
	}
	if isKey {
		h.Flags |= PyroPayloadKeyFrameBit
	}
	if isAudio {
		h.Flags |= PyroPayloadStreamTypeBit
	}
	return h
}

func encodePyroCodecParameters(p PyroCodecParameters) []byte {
	buf := make([]byte, 36)
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.VideoCodec))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.AudioCodec))
	binary.LittleEndian.PutUint32(buf[8:], p.Width)
	binary.LittleEndian.PutUint32(buf[12:], p.Height)
	binary.LittleEndian.PutUint32(buf[16:], p.FrameRateNum)
	binary.LittleEndian.PutUint32(buf[20:], p.FrameRateDen)
	binary.LittleEndian.PutUint32(buf[24:], p.Channels)
	binary.LittleEndian.PutUint32(buf[28:], p.Rate)
	binary.LittleEndian.PutUint32(buf[32:], uint32(p.VideoColorProfile))
	return buf
}

func decodePyroCodecParameters(buf []byte) (PyroCodecParameters, bool) {
	if len(buf) < 36 {
		return PyroCodecParameters{}, false
	}
	return PyroCodecParameters{
		VideoCodec:        PyroVideoCodec(binary.LittleEndian.Uint32(buf[0:])),
		AudioCodec:        PyroAudioCodec(binary.LittleEndian.Uint32(buf[4:])),
		Width:             binary.LittleEndian.Uint32(buf[8:]),
		Height:            binary.LittleEndian.Uint32(buf[12:]),
		FrameRateNum:      binary.LittleEndian.Uint32(buf[16:]),
		FrameRateDen:      binary.LittleEndian.Uint32(buf[20:]),
		Channels:          binary.LittleEndian.Uint32(buf[24:]),
		Rate:              binary.LittleEndian.Uint32(buf[28:]),
		VideoColorProfile: PyroColorProfile(binary.LittleEndian.Uint32(buf[32:])),
	}, true
}

// ------------------------------------------------------------------------------
// Mux stream callback
// ------------------------------------------------------------------------------

// MuxStreamCallback is the encoder's streaming sink.
type MuxStreamCallback interface {
	SetCodecParameters(params PyroCodecParameters)
	ShouldForceIDR() bool
	WriteVideoPacket(pts, dts int64, data []byte, isKey bool)
	WriteAudioPacket(pts, dts int64, data []byte)
}

// ------------------------------------------------------------------------------
// Server
// ------------------------------------------------------------------------------

// PyroStreamServer fans encoded packets out over websockets.
type PyroStreamServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	params  PyroCodecParameters
	hasParams bool

	forceIDR atomic.Bool
}

func NewPyroStreamServer() *PyroStreamServer {
	return &PyroStreamServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades a client and registers it for packet fan-out.
func (s *PyroStreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logWarn("pyro stream upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	if s.hasParams {
		conn.WriteMessage(websocket.BinaryMessage, encodePyroCodecParameters(s.params))
	}
	s.clients[conn] = true
	s.mu.Unlock()

	// A mid-stream joiner needs an IDR to start decoding.
	s.forceIDR.Store(true)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.clients, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func (s *PyroStreamServer) SetCodecParameters(params PyroCodecParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = params
	s.hasParams = true
	payload := encodePyroCodecParameters(params)
	for conn := range s.clients {
		conn.WriteMessage(websocket.BinaryMessage, payload)
	}
}

// ShouldForceIDR reports and clears the pending IDR request.
func (s *PyroStreamServer) ShouldForceIDR() bool {
	return s.forceIDR.Swap(false)
}

func (s *PyroStreamServer) writePacket(header PyroPacketHeader, data []byte) {
	packet := make([]byte, pyroHeaderSize+len(data))
	EncodePyroHeader(header, packet)
	copy(packet[pyroHeaderSize:], data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
			delete(s.clients, conn)
			conn.Close()
		}
	}
}

func (s *PyroStreamServer) WriteVideoPacket(pts, dts int64, data []byte, isKey bool) {
	s.writePacket(MakePyroHeader(pts, dts, isKey, false), data)
}

func (s *PyroStreamServer) WriteAudioPacket(pts, dts int64, data []byte) {
	s.writePacket(MakePyroHeader(pts, dts, false, true), data)
}

func (s *PyroStreamServer) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ------------------------------------------------------------------------------
// Client / demuxer
// ------------------------------------------------------------------------------

// PyroPacket is one demuxed packet handed to the decoder.
type PyroPacket struct {
	Header  PyroPacketHeader
	Payload []byte
}

// DemuxerIOInterface supplies framed packets to the video decoder in
// place of a container demuxer.
type DemuxerIOInterface interface {
	CodecParameters() PyroCodecParameters
	ReadPacket() (PyroPacket, error)
	Close() error
}

// PyroStreamClient connects to a PyroStreamServer and demuxes its
// packet stream.
type PyroStreamClient struct {
	conn   *websocket.Conn
	params PyroCodecParameters
}

func DialPyroStream(url string) (*PyroStreamClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	c := &PyroStreamClient{conn: conn}

	// First message is always the codec parameter block.
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}
	params, ok := decodePyroCodecParameters(msg)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("malformed pyro codec parameters")
	}
	c.params = params
	return c, nil
}

func (c *PyroStreamClient) CodecParameters() PyroCodecParameters {
	return c.params
}

func (c *PyroStreamClient) ReadPacket() (PyroPacket, error) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return PyroPacket{}, err
		}
		// Parameter refreshes may interleave with payload packets.
		if len(msg) == 36 {
			if params, ok := decodePyroCodecParameters(msg); ok {
				c.params = params
				continue
			}
		}
		header, ok := DecodePyroHeader(msg)
		if !ok {
			continue
		}
		return PyroPacket{Header: header, Payload: msg[pyroHeaderSize:]}, nil
	}
}

func (c *PyroStreamClient) Close() error {
	return c.conn.Close()
}
