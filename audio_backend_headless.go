//go:build headless

// audio_backend_headless.go - Headless audio backend stub

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

// NewDefaultAudioBackend returns a fixed-tick dump backend in headless
// builds; the harness drains it explicitly to pace encoding.
func NewDefaultAudioBackend(callback BackendCallback, sampleRate float64, channels int) AudioBackend {
	return NewDumpBackend(callback, sampleRate, channels, 1024)
}
