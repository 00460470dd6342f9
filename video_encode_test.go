// video_encode_test.go - Tests for encode PTS policy and conversion

package main

import (
	"math"
	"sync"
	"testing"
	"time"
)

// fakeMux records packets for inspection.
type fakeMux struct {
	mu       sync.Mutex
	params   PyroCodecParameters
	videoPTS []int64
	audioPTS []int64
	keys     []bool
	forceIDR bool
}

func (f *fakeMux) SetCodecParameters(params PyroCodecParameters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = params
}

func (f *fakeMux) ShouldForceIDR() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idr := f.forceIDR
	f.forceIDR = false
	return idr
}

func (f *fakeMux) WriteVideoPacket(pts, dts int64, data []byte, isKey bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoPTS = append(f.videoPTS, pts)
	f.keys = append(f.keys, isKey)
}

func (f *fakeMux) WriteAudioPacket(pts, dts int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioPTS = append(f.audioPTS, pts)
}

func newTestEncoder(opts VideoEncoderOptions) *VideoEncoder {
	if opts.Width == 0 {
		opts.Width = 64
		opts.Height = 32
	}
	if opts.FrameRateNum == 0 {
		opts.FrameRateNum = 60
		opts.FrameRateDen = 1
	}
	return NewVideoEncoder(nil, nil, EncoderBackendReadback, opts)
}

// TestRealtimePTSMonotonic verifies strictly increasing PTS under any
// positive wall-clock schedule, low-latency passthrough included.
func TestRealtimePTSMonotonic(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{LowLatency: true, AudioRate: 48000, AudioChannels: 2})
	e.muxStreamCallback = &fakeMux{}

	prev := int64(-1)
	for i := 0; i < 200; i++ {
		pts, _ := e.nextVideoPTS()
		if pts <= prev {
			t.Fatalf("pts %d not beyond %d at frame %d", pts, prev, i)
		}
		prev = pts
	}
}

// TestPTSSnapForcesIDR verifies a stall beyond 8 frames snaps the PTS
// and requests an IDR.
func TestPTSSnapForcesIDR(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{})

	// First frame latches.
	first, idr := e.nextVideoPTS()
	if idr {
		t.Fatal("first frame forced IDR")
	}

	// Simulate a long stall by moving the clock base into the past.
	e.startTime = e.startTime.Add(-500 * time.Millisecond)
	pts, idr := e.nextVideoPTS()
	if !idr {
		t.Fatal("stall did not force an IDR")
	}
	if pts <= first {
		t.Fatalf("snapped pts %d not beyond %d", pts, first)
	}
}

// TestPTSNudgeSmallDrift verifies small drift nudges by one tick
// instead of snapping.
func TestPTSNudgeSmallDrift(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{})
	e.nextVideoPTS()

	// Drift about half a frame past the expected next PTS.
	e.startTime = e.startTime.Add(-25 * time.Millisecond)
	before := e.encodeVideoPTS
	_, idr := e.nextVideoPTS()
	if idr {
		t.Fatal("small drift forced an IDR")
	}
	// The next base advanced by one frame plus at most one nudge tick.
	advance := e.encodeVideoPTS - before
	if advance < encoderTicksPerFrame || advance > encoderTicksPerFrame+1 {
		t.Fatalf("advance = %d ticks, expected %d or %d",
			advance, encoderTicksPerFrame, encoderTicksPerFrame+1)
	}
}

// TestAudioPTSClamping verifies the monotonic window: a jittered pts
// within bounds is clamped, a gap beyond 200 ms resets.
func TestAudioPTSClamping(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{AudioRate: 48000, AudioChannels: 2})
	const frames = 480 // 10 ms

	base := e.clampAudioPTS(1_000_000, frames)
	if base != 1_000_000 {
		t.Fatalf("first pts modified: %d", base)
	}

	// 10 ms of frames bounds the next pts to ~[9900, 10100] us later.
	early := e.clampAudioPTS(1_000_000, frames)
	if early != 1_000_000+int64(frames)*990000/48000 {
		t.Fatalf("early pts clamped to %d", early)
	}

	late := e.clampAudioPTS(early+30_000, frames)
	if late != early+int64(frames)*1010000/48000 {
		t.Fatalf("late pts clamped to %d", late)
	}

	// A >200 ms gap resets to the wall-clock value.
	reset := e.clampAudioPTS(late+500_000, frames)
	if reset != late+500_000 {
		t.Fatalf("gap pts = %d, expected reset to %d", reset, late+500_000)
	}
}

// TestConvertGreyPlanes verifies the forward conversion yields flat
// planes for a grey image, with chroma centered.
func TestConvertGreyPlanes(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{ChromaSiting: ChromaSitingCenter})
	w, h := e.opts.Width, e.opts.Height

	rgb := make([]byte, w*h*4)
	for i := 0; i < len(rgb); i += 4 {
		rgb[i], rgb[i+1], rgb[i+2], rgb[i+3] = 128, 128, 128, 255
	}
	e.convertRGBToPlanes(rgb)

	// Limited range: 128/255 -> 16 + 219*128/255 ~= 126.
	wantY := 16.0 + 219.0*128.0/255.0
	for i, y := range e.yPlane[:w*h] {
		if math.Abs(float64(y)-wantY) > 1.5 {
			t.Fatalf("luma[%d] = %d, expected ~%.0f", i, y, wantY)
		}
	}
	for i := range e.cbHalf {
		if math.Abs(float64(e.cbHalf[i])-128.0) > 1.5 {
			t.Fatalf("cb[%d] = %d, expected 128", i, e.cbHalf[i])
		}
		if math.Abs(float64(e.crHalf[i])-128.0) > 1.5 {
			t.Fatalf("cr[%d] = %d, expected 128", i, e.crHalf[i])
		}
	}
}

// TestChromaSitingTopLeftDelta verifies top-left siting keeps a chroma
// delta at the origin registered on the top-left texel through the
// downsample.
func TestChromaSitingTopLeftDelta(t *testing.T) {
	e := newTestEncoder(VideoEncoderOptions{ChromaSiting: ChromaSitingTopLeft})
	w, h := e.opts.Width, e.opts.Height

	// Grey image with a red spike at (0, 0): chroma delta at origin.
	rgb := make([]byte, w*h*4)
	for i := 0; i < len(rgb); i += 4 {
		rgb[i], rgb[i+1], rgb[i+2], rgb[i+3] = 128, 128, 128, 255
	}
	rgb[0], rgb[1], rgb[2] = 255, 0, 0

	e.convertRGBToPlanes(rgb)

	cw := w / 2
	peak := e.crHalf[0]
	for cy := 0; cy < h/2; cy++ {
		for cx := 0; cx < cw; cx++ {
			if cx == 0 && cy == 0 {
				continue
			}
			if e.crHalf[cy*cw+cx] > peak {
				t.Fatalf("chroma peak shifted to (%d, %d)", cx, cy)
			}
		}
	}
	if math.Abs(float64(peak)-128.0) < 4.0 {
		t.Fatal("chroma delta vanished in the downsample")
	}
}

// TestPyroBackendPacketFlow verifies the pyro path prepends parameter
// sets on keyframes and respects the mux IDR request.
func TestPyroBackendPacketFlow(t *testing.T) {
	mux := &fakeMux{forceIDR: true}
	enc := &stubPyroEncoder{}
	e := NewVideoEncoder(nil, nil, EncoderBackendPyroEnc, VideoEncoderOptions{
		Width: 64, Height: 32, FrameRateNum: 60, FrameRateDen: 1,
		Codec: PyroVideoCodecH264, LowLatency: true,
	})
	e.SetPyroEncoder(enc)
	e.SetMuxStreamCallback(mux)

	rgb := make([]byte, 64*32*4)
	if !e.SubmitProcessRGB(rgb) {
		t.Fatal("submit failed")
	}

	if !enc.sawIDR {
		t.Fatal("mux IDR request did not reach the encoder")
	}
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if len(mux.videoPTS) != 1 {
		t.Fatalf("wrote %d video packets, expected 1", len(mux.videoPTS))
	}
	if !mux.keys[0] {
		t.Fatal("keyframe flag lost")
	}
}

// stubPyroEncoder loops every sent frame back as one encoded packet.
type stubPyroEncoder struct {
	pending [][]byte
	pts     []int64
	keys    []bool
	sawIDR  bool
}

func (s *stubPyroEncoder) SendFrame(planes [][]byte, ptsTicks int64, forceIDR bool) error {
	if forceIDR {
		s.sawIDR = true
	}
	s.pending = append(s.pending, []byte{0xAA})
	s.pts = append(s.pts, ptsTicks)
	s.keys = append(s.keys, forceIDR)
	return nil
}

func (s *stubPyroEncoder) ReceiveEncodedFrame() ([]byte, int64, bool, bool) {
	if len(s.pending) == 0 {
		return nil, 0, false, false
	}
	payload, pts, key := s.pending[0], s.pts[0], s.keys[0]
	s.pending = s.pending[1:]
	s.pts = s.pts[1:]
	s.keys = s.keys[1:]
	return payload, pts, key, true
}

func (s *stubPyroEncoder) EncodedParameters() []byte { return []byte{0x01, 0x02} }
func (s *stubPyroEncoder) Close() error              { return nil }
