// audio_mixer_test.go - Tests for the lock-free mixer

package main

import (
	"math"
	"testing"
)

// constantStream emits a fixed sample value on one channel.
type constantStream struct {
	StreamBase
	value      float32
	rate       float64
	remaining  int
	disposed   bool
}

func newConstantStream(value float32, rate float64, frames int) *constantStream {
	return &constantStream{value: value, rate: rate, remaining: frames}
}

func (s *constantStream) Dispose() { s.disposed = true }

func (s *constantStream) Setup(mixerOutputRate float64, mixerChannels int, maxNumFrames int) bool {
	if s.rate == 0 {
		s.rate = mixerOutputRate
	}
	return true
}

func (s *constantStream) AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int {
	frames := numFrames
	if s.remaining >= 0 && frames > s.remaining {
		frames = s.remaining
	}
	for c := range channels {
		g := gain[c]
		for i := 0; i < frames; i++ {
			channels[c][i] += g * s.value
		}
	}
	if s.remaining >= 0 {
		s.remaining -= frames
	}
	return frames
}

func (s *constantStream) SampleRate() float64 { return s.rate }
func (s *constantStream) NumChannels() int    { return 1 }

// sineStream emits a mono sine wave at a fixed source rate.
type sineStream struct {
	StreamBase
	freq  float64
	rate  float64
	phase float64
}

func (s *sineStream) Dispose() {}

func (s *sineStream) Setup(mixerOutputRate float64, mixerChannels int, maxNumFrames int) bool {
	return true
}

func (s *sineStream) AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int {
	step := 2 * math.Pi * s.freq / s.rate
	for i := 0; i < numFrames; i++ {
		v := float32(math.Sin(s.phase))
		s.phase += step
		for c := range channels {
			channels[c][i] += gain[c] * v
		}
	}
	return numFrames
}

func (s *sineStream) SampleRate() float64 { return s.rate }
func (s *sineStream) NumChannels() int    { return 1 }

func newTestMixer(rate float64, channels int) *Mixer {
	m := NewMixer()
	m.SetBackendParameters(rate, channels, 1024)
	m.OnBackendStart()
	return m
}

func mixInto(m *Mixer, frames, channels int) [][]float32 {
	bufs := make([][]float32, channels)
	for c := range bufs {
		bufs[c] = make([]float32, frames)
	}
	m.MixSamples(bufs, frames)
	return bufs
}

// TestMixerStereoPan verifies full-right panning: left is silent,
// right carries the full signal.
func TestMixerStereoPan(t *testing.T) {
	m := newTestMixer(48000, 2)
	id := m.AddMixerStream(newConstantStream(1.0, 0, -1), true, 0.0, 1.0)
	if !id.Valid() {
		t.Fatal("AddMixerStream failed")
	}

	bufs := mixInto(m, 64, 2)
	for i := 0; i < 64; i++ {
		if math.Abs(float64(bufs[0][i])) > 1e-6 {
			t.Fatalf("left[%d] = %f, expected 0", i, bufs[0][i])
		}
		if math.Abs(float64(bufs[1][i])-1.0) > 1e-6 {
			t.Fatalf("right[%d] = %f, expected 1", i, bufs[1][i])
		}
	}
}

// TestMixerStreamLifecycle verifies kill + dispose leads to Dead state
// and no side effects on the stale id.
func TestMixerStreamLifecycle(t *testing.T) {
	m := newTestMixer(48000, 2)
	stream := newConstantStream(1.0, 0, -1)
	id := m.AddMixerStream(stream, true, 0.0, 0.0)

	if state := m.GetStreamState(id); state != StreamStatePlaying {
		t.Fatalf("state = %v, expected Playing", state)
	}

	m.KillStream(id)
	m.DisposeDeadStreams()

	if !stream.disposed {
		t.Fatal("stream was not disposed")
	}
	if state := m.GetStreamState(id); state != StreamStateDead {
		t.Fatalf("state = %v after kill, expected Dead", state)
	}
	if cursor := m.PlayCursor(id); cursor != -1.0 {
		t.Fatalf("PlayCursor = %f on dead id, expected -1", cursor)
	}
	if m.PlayStream(id) {
		t.Fatal("PlayStream succeeded on dead id")
	}
	if m.PauseStream(id) {
		t.Fatal("PauseStream succeeded on dead id")
	}
	// Parameter set must be a no-op, not a crash.
	m.SetStreamMixerParameters(id, -6.0, 0.5)
}

// TestMixerPlayCursorMonotonic verifies successive cursors never
// decrease while playing.
func TestMixerPlayCursorMonotonic(t *testing.T) {
	m := newTestMixer(48000, 2)
	id := m.AddMixerStream(newConstantStream(0.5, 0, -1), true, 0.0, 0.0)

	prev := -1.0
	for i := 0; i < 10; i++ {
		mixInto(m, 480, 2)
		cursor := m.PlayCursor(id)
		if cursor < prev {
			t.Fatalf("cursor decreased: %f -> %f", prev, cursor)
		}
		prev = cursor
	}
	if prev <= 0 {
		t.Fatalf("cursor did not advance (%f)", prev)
	}
}

// TestMixerStreamEndsOnShortRead verifies a stream returning fewer
// frames than asked is marked dead and posts a stop event.
func TestMixerStreamEndsOnShortRead(t *testing.T) {
	m := newTestMixer(48000, 2)
	id := m.AddMixerStream(newConstantStream(1.0, 0, 100), true, 0.0, 0.0)

	mixInto(m, 256, 2)

	if state := m.GetStreamState(id); state != StreamStateDead {
		t.Fatalf("state = %v after EOF, expected Dead", state)
	}

	queue := m.MessageQueue()
	if queue.AvailableReadMessages() == 0 {
		t.Fatal("no stream-stopped event posted")
	}
	msg := queue.ReadMessage()
	if _, ok := msg.PayloadHandle().(StreamStoppedEvent); !ok {
		t.Fatalf("event = %#v, expected StreamStoppedEvent", msg.PayloadHandle())
	}
	queue.RecyclePayload(msg)
}

// TestMixerPauseSilences verifies paused streams do not contribute.
func TestMixerPauseSilences(t *testing.T) {
	m := newTestMixer(48000, 2)
	id := m.AddMixerStream(newConstantStream(1.0, 0, -1), true, 0.0, 0.0)

	m.PauseStream(id)
	bufs := mixInto(m, 32, 2)
	for i := range bufs[0] {
		if bufs[0][i] != 0 {
			t.Fatalf("paused stream contributed at frame %d", i)
		}
	}
	if state := m.GetStreamState(id); state != StreamStatePaused {
		t.Fatalf("state = %v, expected Paused", state)
	}

	m.PlayStream(id)
	bufs = mixInto(m, 32, 2)
	if bufs[0][0] == 0 {
		t.Fatal("resumed stream did not contribute")
	}
}

// TestMixerResampleInjection verifies a 24 kHz stream is transparently
// resampled into a 48 kHz mixer and keeps its frequency.
func TestMixerResampleInjection(t *testing.T) {
	const mixerRate = 48000.0
	m := newTestMixer(mixerRate, 2)

	src := &sineStream{freq: 1000.0, rate: 24000.0}
	id := m.AddMixerStream(src, true, 0.0, 0.0)
	if !id.Valid() {
		t.Fatal("AddMixerStream failed")
	}

	// Warm the resampler history, then collect 0.1 s in mixer-sized
	// chunks.
	mixInto(m, 1024, 2)
	var left []float32
	for len(left) < 4800 {
		bufs := mixInto(m, 960, 2)
		left = append(left, bufs[0]...)
	}
	left = left[:4800]

	crossings := 0
	for i := 1; i < len(left); i++ {
		if (left[i-1] < 0 && left[i] >= 0) || (left[i-1] >= 0 && left[i] < 0) {
			crossings++
		}
	}
	// 1 kHz over 0.1 s is 100 cycles = ~200 crossings.
	if crossings < 190 || crossings > 210 {
		t.Fatalf("zero crossings = %d, expected ~200", crossings)
	}
}

// TestMixerSlotReuseGeneration verifies a reused slot invalidates the
// prior generation's id.
func TestMixerSlotReuseGeneration(t *testing.T) {
	m := newTestMixer(48000, 2)

	first := m.AddMixerStream(newConstantStream(1.0, 0, -1), true, 0.0, 0.0)
	m.KillStream(first)
	m.DisposeDeadStreams()

	second := m.AddMixerStream(newConstantStream(1.0, 0, -1), true, 0.0, 0.0)
	if first == second {
		t.Fatal("generation did not advance across slot reuse")
	}
	if state := m.GetStreamState(first); state != StreamStateDead {
		t.Fatalf("stale id state = %v, expected Dead", state)
	}
	if state := m.GetStreamState(second); state != StreamStatePlaying {
		t.Fatalf("fresh id state = %v, expected Playing", state)
	}
}

func BenchmarkMixSamples(b *testing.B) {
	m := newTestMixer(48000, 2)
	for i := 0; i < 16; i++ {
		m.AddMixerStream(newConstantStream(0.1, 0, -1), true, 0.0, 0.0)
	}
	bufs := make([][]float32, 2)
	for c := range bufs {
		bufs[c] = make([]float32, 256)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.MixSamples(bufs, 256)
	}
}
