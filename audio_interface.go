// audio_interface.go - Common interfaces for audio streams and backends

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"sync"
)

// MaxAudioChannels bounds the per-backend channel count.
const MaxAudioChannels = 8

// StreamID identifies a mixer slot with an ABA-defeating generation:
// (generation << 7) | index. The zero value is invalid.
type StreamID uint64

func (id StreamID) Valid() bool { return id != 0 }

// MixerStream is implemented by every audio source the mixer can pull
// from: decoders, generators, DSP wrappers.
type MixerStream interface {
	// Dispose releases the stream. It is responsible for its own
	// lifetime and may recycle itself instead of freeing.
	Dispose()

	// InstallMessageQueue is called before Setup with the stream's
	// identity and the mixer's realtime-safe message queue.
	InstallMessageQueue(id StreamID, queue *LockFreeMessageQueue)

	// Setup is the first call made by the mixer. The stream can adapt
	// its output rate and channel count to the mixer's.
	Setup(mixerOutputRate float64, mixerChannels int, maxNumFrames int) bool

	// AccumulateSamples mixes up to numFrames into the channel buffers,
	// scaling by the per-channel gains, and returns the frame count
	// actually produced. Runs on the realtime thread: no allocation,
	// no locks.
	AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int

	// NumChannels is queried after Setup. A stream whose channel count
	// differs from the mixer's (other than mono into any) is refused.
	NumChannels() int

	// SampleRate is queried after Setup. On mismatch with the mixer
	// rate a resampler is injected transparently.
	SampleRate() float64
}

// StreamBase carries the identity handed out by InstallMessageQueue.
// Embed it to satisfy that part of MixerStream.
type StreamBase struct {
	id    StreamID
	queue *LockFreeMessageQueue
}

func (s *StreamBase) InstallMessageQueue(id StreamID, queue *LockFreeMessageQueue) {
	s.id = id
	s.queue = queue
}

func (s *StreamBase) StreamID() StreamID                 { return s.id }
func (s *StreamBase) MessageQueue() *LockFreeMessageQueue { return s.queue }

// BackendCallback is what an audio backend drives: the mixer.
type BackendCallback interface {
	// MixSamples is called on the realtime audio thread.
	MixSamples(channels [][]float32, numFrames int)

	SetBackendParameters(sampleRate float64, channels int, maxNumFrames int)
	OnBackendStart()
	OnBackendStop()
	SetLatencyUsec(usec uint32)
}

// AudioBackend produces audio through a platform device and invokes the
// callback to fill buffers.
type AudioBackend interface {
	BackendName() string
	SampleRate() float64
	NumChannels() int
	Start() bool
	Stop() bool
	// Heartbeat is called periodically for backends that need recovery.
	Heartbeat()
}

// RecordCallback receives interleaved f32 frames from a push-mode
// recording source (e.g. the video encoder's audio path).
type RecordCallback interface {
	WriteFramesInterleavedF32(data []float32, frames int)
}

// ------------------------------------------------------------------------------
// DumpBackend
// ------------------------------------------------------------------------------

// DumpBackend is a non-realtime backend used by the headless harness:
// each DrainInterleavedS16 call advances the mixer by a fixed tick and
// hands the mixed audio to the caller, which paces video encoding.
type DumpBackend struct {
	callback      BackendCallback
	sampleRate    float64
	channels      int
	framesPerTick int

	mu      sync.Mutex
	started bool

	mixBuffers [][]float32
}

func NewDumpBackend(callback BackendCallback, sampleRate float64, channels, framesPerTick int) *DumpBackend {
	b := &DumpBackend{
		callback:      callback,
		sampleRate:    sampleRate,
		channels:      channels,
		framesPerTick: framesPerTick,
	}
	b.mixBuffers = make([][]float32, channels)
	for c := range b.mixBuffers {
		b.mixBuffers[c] = make([]float32, framesPerTick)
	}
	callback.SetBackendParameters(sampleRate, channels, framesPerTick)
	return b
}

func (b *DumpBackend) BackendName() string { return "dump" }
func (b *DumpBackend) SampleRate() float64 { return b.sampleRate }
func (b *DumpBackend) NumChannels() int    { return b.channels }
func (b *DumpBackend) FramesPerTick() int  { return b.framesPerTick }
func (b *DumpBackend) Heartbeat()          {}

func (b *DumpBackend) Start() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return false
	}
	b.started = true
	b.callback.OnBackendStart()
	return true
}

func (b *DumpBackend) Stop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return false
	}
	b.started = false
	b.callback.OnBackendStop()
	return true
}

// DrainInterleavedS16 mixes exactly frames samples and converts them to
// interleaved signed 16-bit.
func (b *DumpBackend) DrainInterleavedS16(data []int16, frames int) {
	for frames > 0 {
		tick := min(frames, b.framesPerTick)
		for c := range b.mixBuffers {
			buf := b.mixBuffers[c][:tick]
			for i := range buf {
				buf[i] = 0
			}
		}
		b.callback.MixSamples(b.mixBuffers, tick)
		for i := 0; i < tick; i++ {
			for c := 0; c < b.channels; c++ {
				data[i*b.channels+c] = f32ToS16(b.mixBuffers[c][i])
			}
		}
		data = data[tick*b.channels:]
		frames -= tick
	}
}

func f32ToS16(v float32) int16 {
	scaled := v * 32767.0
	if scaled > 32767.0 {
		scaled = 32767.0
	} else if scaled < -32768.0 {
		scaled = -32768.0
	}
	return int16(scaled)
}
