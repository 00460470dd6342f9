//go:build !headless

// audio_backend_oto.go - OTO v3 realtime audio output backend

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// OtoBackend drives the mixer from oto's playback reader. oto pulls
// interleaved little-endian f32; the Read path deinterleaves into the
// per-channel mix buffers, invokes the callback, and reinterleaves.
type OtoBackend struct {
	ctx        *oto.Context
	player     *oto.Player
	callback   BackendCallback
	sampleRate float64
	channels   int

	mixBuffers [][]float32

	started bool
	mutex   sync.Mutex // setup/control only; Read never takes it
}

const otoMaxFramesPerRead = 2048

func NewOtoBackend(callback BackendCallback, sampleRate float64, channels int) (*OtoBackend, error) {
	op := &oto.NewContextOptions{
		SampleRate:   int(sampleRate),
		ChannelCount: channels,
		Format:       oto.FormatFloat32LE,
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	b := &OtoBackend{
		ctx:        ctx,
		callback:   callback,
		sampleRate: sampleRate,
		channels:   channels,
	}
	b.mixBuffers = make([][]float32, channels)
	for c := range b.mixBuffers {
		b.mixBuffers[c] = make([]float32, otoMaxFramesPerRead)
	}

	callback.SetBackendParameters(sampleRate, channels, otoMaxFramesPerRead)
	// oto does not report device latency; assume one read buffer.
	callback.SetLatencyUsec(uint32(float64(otoMaxFramesPerRead) / sampleRate * 1e6))

	b.player = ctx.NewPlayer(b)
	return b, nil
}

func (b *OtoBackend) BackendName() string { return "oto" }
func (b *OtoBackend) SampleRate() float64 { return b.sampleRate }
func (b *OtoBackend) NumChannels() int    { return b.channels }
func (b *OtoBackend) Heartbeat()          {}

// Read is the realtime hot path.
func (b *OtoBackend) Read(p []byte) (int, error) {
	bytesPerFrame := 4 * b.channels
	numFrames := len(p) / bytesPerFrame
	if numFrames > otoMaxFramesPerRead {
		numFrames = otoMaxFramesPerRead
	}
	if numFrames == 0 {
		return 0, nil
	}

	b.callback.MixSamples(b.mixBuffers, numFrames)

	for i := 0; i < numFrames; i++ {
		for c := 0; c < b.channels; c++ {
			bits := math.Float32bits(b.mixBuffers[c][i])
			binary.LittleEndian.PutUint32(p[(i*b.channels+c)*4:], bits)
		}
	}
	return numFrames * bytesPerFrame, nil
}

func (b *OtoBackend) Start() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.started || b.player == nil {
		return false
	}
	b.callback.OnBackendStart()
	b.player.Play()
	b.started = true
	return true
}

func (b *OtoBackend) Stop() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if !b.started || b.player == nil {
		return false
	}
	b.player.Pause()
	b.callback.OnBackendStop()
	b.started = false
	return true
}

func (b *OtoBackend) Close() {
	b.Stop()
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.player != nil {
		b.player.Close()
		b.player = nil
	}
}

// NewDefaultAudioBackend creates the platform playback backend.
func NewDefaultAudioBackend(callback BackendCallback, sampleRate float64, channels int) AudioBackend {
	backend, err := NewOtoBackend(callback, sampleRate, channels)
	if err != nil {
		logError("failed to create oto audio backend: %v", err)
		return nil
	}
	return backend
}
