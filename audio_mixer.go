// audio_mixer.go - Lock-free lock-step audio mixer

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
audio_mixer.go - Fixed-slot realtime audio mixer

128 stream slots. The audio callback walks the active bitmask words and
accumulates every playing stream into the output channel buffers; all
state it touches is atomic (gain/pan bit-cast f32, playing flag, active
mask). Everything non-critical (add/kill/pause/play/parameters) takes a
single mutex which the audio thread never touches.

Stream identity is (generation << 7) | index; a stale StreamID fails
generation verification and all public operations become no-ops on it.

A stream whose declared sample rate differs from the mixer's is wrapped
in a ResampledStream during add, so the mixing loop never needs to know.
*/

package main

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
)

const MaxSources = 128

type StreamState int

const (
	StreamStatePlaying StreamState = iota
	StreamStatePaused
	StreamStateDead
)

// Mixer implements BackendCallback and owns the realtime mixing loop.
type Mixer struct {
	activeChannelMask [MaxSources / 32]atomic.Uint32
	killChannelMask   [MaxSources / 32]atomic.Uint32
	mixerStreams      [MaxSources]MixerStream

	// f32 bit patterns.
	panning    [MaxSources]atomic.Uint32
	gainLinear [MaxSources]atomic.Uint32

	latency       atomic.Uint32
	streamPlaying [MaxSources]atomic.Bool

	// Only mutated on the audio thread.
	streamRawPlayCursors [MaxSources]uint64

	streamAdjustedPlayCursorsUsec [MaxSources]atomic.Uint64
	streamGeneration              [MaxSources]uint64

	nonCriticalLock sync.Mutex

	maxNumSamples int
	numChannels   int
	sampleRate    float64
	invSampleRate float64

	isActive bool

	messageQueue *LockFreeMessageQueue

	// Optional lifecycle hooks driven by the audio system start/stop.
	EventStart func(*Mixer)
	EventStop  func(*Mixer)
}

func NewMixer() *Mixer {
	m := &Mixer{messageQueue: NewLockFreeMessageQueue()}
	for i := 0; i < MaxSources; i++ {
		m.panning[i].Store(math.Float32bits(0.0))
		m.gainLinear[i].Store(math.Float32bits(1.0))
	}
	return m
}

func (m *Mixer) SetBackendParameters(sampleRate float64, channels int, maxNumFrames int) {
	m.maxNumSamples = maxNumFrames
	m.sampleRate = sampleRate
	m.numChannels = channels
	m.invSampleRate = 1.0 / sampleRate
}

func (m *Mixer) OnBackendStart() {
	m.isActive = true
}

func (m *Mixer) OnBackendStop() {
	m.DisposeDeadStreams()
	m.isActive = false
}

func (m *Mixer) SetLatencyUsec(usec uint32) {
	m.latency.Store(usec)
}

func (m *Mixer) MessageQueue() *LockFreeMessageQueue {
	return m.messageQueue
}

func (m *Mixer) SampleRate() float64 { return m.sampleRate }
func (m *Mixer) NumChannels() int    { return m.numChannels }

func (m *Mixer) Close() {
	m.OnBackendStop()
	for i, stream := range m.mixerStreams {
		if stream != nil {
			stream.Dispose()
			m.mixerStreams[i] = nil
		}
	}
}

func streamIndex(id StreamID) int {
	return int(id & (MaxSources - 1))
}

func streamGeneration(id StreamID) uint64 {
	return uint64(id) / MaxSources
}

func (m *Mixer) generateStreamID(index int) StreamID {
	m.streamGeneration[index]++
	return StreamID(m.streamGeneration[index]*MaxSources + uint64(index))
}

func (m *Mixer) verifyStreamID(id StreamID) bool {
	if id == 0 {
		return false
	}
	index := streamIndex(id)
	return m.streamGeneration[index] == streamGeneration(id)
}

func saturate(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MixSamples runs on the realtime audio thread. No allocation, no
// locks, no unbounded work.
func (m *Mixer) MixSamples(channels [][]float32, numFrames int) {
	for c := 0; c < m.numChannels; c++ {
		buf := channels[c][:numFrames]
		for i := range buf {
			buf[i] = 0
		}
	}

	var gains [MaxAudioChannels]float32
	currentLatency := float64(m.latency.Load()) * 1e-6

	for i := range m.activeChannelMask {
		activeMask := m.activeChannelMask[i].Load()
		if activeMask == 0 {
			continue
		}

		var deadMask uint32

		for mask := activeMask; mask != 0; mask &= mask - 1 {
			bit := bits.TrailingZeros32(mask)
			index := bit + 32*i
			if !m.streamPlaying[index].Load() {
				continue
			}

			gain := math.Float32frombits(m.gainLinear[index].Load())
			pan := math.Float32frombits(m.panning[index].Load())

			if m.numChannels != 2 {
				for c := 0; c < m.numChannels; c++ {
					gains[c] = gain
				}
			} else {
				gains[0] = gain * saturate(1.0-pan)
				gains[1] = gain * saturate(1.0+pan)
			}

			got := m.mixerStreams[index].AccumulateSamples(channels, gains[:m.numChannels], numFrames)

			m.streamRawPlayCursors[index] += uint64(got)
			m.updateStreamPlayCursor(index, currentLatency)

			if got < numFrames {
				deadMask |= 1 << uint(bit)
				emplaceAudioEvent(m.messageQueue, StreamStoppedEvent{Index: index})
			}
		}

		if deadMask != 0 {
			m.activeChannelMask[i].And(^deadMask)
		}
	}
}

func (m *Mixer) updateStreamPlayCursor(index int, latency float64) {
	t := float64(m.streamRawPlayCursors[index])*m.invSampleRate - latency
	if t < 0 {
		t = 0
	}
	tUsec := uint64(t * 1e6)

	oldCursor := m.streamAdjustedPlayCursorsUsec[index].Load()
	if tUsec > oldCursor {
		m.streamAdjustedPlayCursorsUsec[index].Store(tUsec)
	}
}

// AddMixerStream atomically installs a stream in a vacant slot. Takes
// ownership: on failure the stream is disposed. Returns the zero
// StreamID when no slot is available.
func (m *Mixer) AddMixerStream(stream MixerStream, startPlaying bool, initialGainDB, initialPanning float32) StreamID {
	if stream == nil {
		return 0
	}

	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()

	for i := range m.activeChannelMask {
		vacantMask := ^m.activeChannelMask[i].Load()
		if vacantMask == 0 {
			continue
		}

		subindex := bits.TrailingZeros32(vacantMask)
		index := i*32 + subindex

		oldStream := m.mixerStreams[index]
		id := m.generateStreamID(index)
		stream.InstallMessageQueue(id, m.messageQueue)

		if !stream.Setup(m.sampleRate, m.numChannels, m.maxNumSamples) {
			stream.Dispose()
			return 0
		}

		if stream.SampleRate() != m.sampleRate {
			resampled := NewResampledStream(stream)
			resampled.InstallMessageQueue(id, m.messageQueue)
			if !resampled.Setup(m.sampleRate, m.numChannels, m.maxNumSamples) {
				resampled.Dispose()
				return 0
			}
			stream = resampled
		}

		if stream.NumChannels() != m.numChannels && stream.NumChannels() != 1 {
			logError("number of audio channels in stream does not match mixer")
			stream.Dispose()
			return 0
		}

		// Relaxed init; the audio thread orders on the mask update.
		m.mixerStreams[index] = stream
		m.streamRawPlayCursors[index] = 0
		m.streamAdjustedPlayCursorsUsec[index].Store(0)
		m.gainLinear[index].Store(math.Float32bits(dbToLinear(initialGainDB)))
		m.panning[index].Store(math.Float32bits(initialPanning))
		m.streamPlaying[index].Store(startPlaying)
		m.killChannelMask[i].And(^(1 << uint(subindex)))

		// Kick the mixer thread.
		m.activeChannelMask[i].Or(1 << uint(subindex))

		if oldStream != nil {
			oldStream.Dispose()
		}
		return id
	}

	stream.Dispose()
	return 0
}

func dbToLinear(db float32) float32 {
	return float32(math.Pow(10.0, float64(db)/20.0))
}

// KillStream deactivates the stream; the slot is reclaimed on the next
// DisposeDeadStreams.
func (m *Mixer) KillStream(id StreamID) {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return
	}

	index := streamIndex(id)
	subindex := uint(index & 31)
	word := index / 32
	m.killChannelMask[word].Or(1 << subindex)
	m.activeChannelMask[word].And(^(1 << subindex))
}

// DisposeDeadStreams is garbage collection; call regularly from a
// non-critical thread.
func (m *Mixer) DisposeDeadStreams() {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()

	for i := range m.activeChannelMask {
		deadMask := ^m.activeChannelMask[i].Load()
		for mask := deadMask; mask != 0; mask &= mask - 1 {
			bit := bits.TrailingZeros32(mask)
			index := bit + 32*i
			if old := m.mixerStreams[index]; old != nil {
				old.Dispose()
				m.mixerStreams[index] = nil
				m.streamGeneration[index] = 0
			}
		}
		m.killChannelMask[i].And(m.activeChannelMask[i].Load())
	}
}

func (m *Mixer) PlayStream(id StreamID) bool {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return false
	}
	m.streamPlaying[streamIndex(id)].Store(true)
	return true
}

func (m *Mixer) PauseStream(id StreamID) bool {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return false
	}
	m.streamPlaying[streamIndex(id)].Store(false)
	return true
}

// SetStreamMixerParameters atomically updates gain and panning.
// Panning is -1 (left), 0 (center), +1 (right).
func (m *Mixer) SetStreamMixerParameters(id StreamID, gainDB, panning float32) {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return
	}
	index := streamIndex(id)
	m.gainLinear[index].Store(math.Float32bits(dbToLinear(gainDB)))
	m.panning[index].Store(math.Float32bits(panning))
}

// PlayCursor returns the latency-adjusted play cursor in seconds since
// the stream was added; monotonically non-decreasing. Negative when the
// stream no longer exists.
func (m *Mixer) PlayCursor(id StreamID) float64 {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return -1.0
	}
	index := streamIndex(id)
	return float64(m.streamAdjustedPlayCursorsUsec[index].Load()) * 1e-6
}

func (m *Mixer) GetStreamState(id StreamID) StreamState {
	m.nonCriticalLock.Lock()
	defer m.nonCriticalLock.Unlock()
	if !m.verifyStreamID(id) {
		return StreamStateDead
	}
	index := streamIndex(id)
	if m.activeChannelMask[index/32].Load()&(1<<uint(index&31)) == 0 {
		return StreamStateDead
	}
	if m.streamPlaying[index].Load() {
		return StreamStatePlaying
	}
	return StreamStatePaused
}
