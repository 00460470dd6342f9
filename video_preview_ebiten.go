//go:build !headless

// video_preview_ebiten.go - Windowed preview of decoded video frames

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"fmt"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
)

// VideoPreview shows a VideoDecoder's RGB output in a window. It is a
// debug surface: acquisition uses the non-blocking path and drops
// straight to the latest ready frame.
type VideoPreview struct {
	decoder *VideoDecoder
	image   *ebiten.Image
	start   time.Time
	eof     bool
}

func NewVideoPreview(decoder *VideoDecoder) *VideoPreview {
	return &VideoPreview{
		decoder: decoder,
		image:   ebiten.NewImage(decoder.Width(), decoder.Height()),
		start:   time.Now(),
	}
}

func (p *VideoPreview) Update() error {
	if p.eof {
		return ebiten.Termination
	}

	target := p.decoder.GetEstimatedAudioPlaybackTimestamp(time.Since(p.start).Seconds())

	var frame VideoFrame
	for {
		switch p.decoder.TryAcquireVideoFrame(&frame) {
		case 1:
			p.image.WritePixels(frame.RGB)
			pts := frame.PTS
			p.decoder.ReleaseVideoFrame(frame.Index)
			// Keep draining while we are behind the audio clock.
			if pts >= target {
				return nil
			}
		case -1:
			p.eof = true
			return nil
		default:
			return nil
		}
	}
}

func (p *VideoPreview) Draw(screen *ebiten.Image) {
	screen.DrawImage(p.image, nil)
}

func (p *VideoPreview) Layout(outsideWidth, outsideHeight int) (int, int) {
	return p.decoder.Width(), p.decoder.Height()
}

// RunVideoPreview opens the window and blocks until closed or EOF.
func RunVideoPreview(decoder *VideoDecoder, title string) error {
	ebiten.SetWindowSize(decoder.Width(), decoder.Height())
	ebiten.SetWindowTitle(fmt.Sprintf("%s (%dx%d)", title, decoder.Width(), decoder.Height()))
	return ebiten.RunGame(NewVideoPreview(decoder))
}
