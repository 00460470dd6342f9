// video_encode.go - Realtime video encode pipeline with color conversion

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
video_encode.go - Video encoder

Three backends share one public contract (SubmitProcessRGB):

  - Readback: RGB -> YCbCr conversion, then raw planes are piped into
    an ffmpeg encode/mux subprocess (video on stdin, audio s16le on an
    extra fd).
  - Vulkan HW frames: the conversion compute writes directly into the
    shared planes; queue-family hand-off is sequenced through the
    device timeline around the external semaphore slot.
  - PyroEnc: the conversion writes one packed image and hands it to
    the native encode session, which owns encode submission; encoded
    packets flow to the mux stream callback.

Realtime PTS policy: the base clock is microseconds since encoder
start. With ticks_per_frame = 16, a measured delta beyond 8 frames
snaps the PTS and forces an IDR; smaller drift nudges one tick toward
the measurement. With a mux callback in low-latency mode the sampled
PTS passes through, monotonicity enforced by +1.

The audio path either pulls interleaved S16 from a DumpBackend every
video frame or accepts pushed f32 frames through a RecordCallback;
pushed raw-S16LE packets are stamped with the realtime clock under
monotonic clamping.
*/

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
	"unsafe"
)

type VideoEncoderBackendType int

const (
	EncoderBackendReadback VideoEncoderBackendType = iota
	EncoderBackendVulkanHW
	EncoderBackendPyroEnc
)

type VideoEncoderOptions struct {
	Width        int
	Height       int
	FrameRateNum int
	FrameRateDen int

	Codec        PyroVideoCodec
	LowLatency   bool
	Realtime     bool
	HDR10        bool
	ChromaSiting ChromaSiting

	AudioRate     int
	AudioChannels int
	AudioCodec    PyroAudioCodec

	// DitherStrength controls the 8/10-bit dither push constant on the
	// PyroEnc packed-image path.
	DitherStrength float32

	// LocalBackupPath additionally muxes streamed packets to a file.
	LocalBackupPath string

	// OutputPath is the primary mux target for the readback backend.
	OutputPath string
}

const encoderTicksPerFrame = 16

// PyroEncoder is the native Vulkan encode session contract.
type PyroEncoder interface {
	SendFrame(planes [][]byte, ptsTicks int64, forceIDR bool) error
	ReceiveEncodedFrame() (payload []byte, ptsTicks int64, isKey bool, ok bool)
	EncodedParameters() []byte
	Close() error
}

type VideoEncoder struct {
	opts    VideoEncoderOptions
	device  *Device
	group   *ThreadGroup
	backend VideoEncoderBackendType

	startTime time.Time

	// Conversion scratch planes (Y, Cb full, Cr full, Cb half, Cr half).
	yPlane      []byte
	cbFull      []float32
	crFull      []float32
	cbHalf      []byte
	crHalf      []byte
	packedFrame []byte

	// Mux state.
	muxLock           sync.Mutex
	muxStreamCallback MuxStreamCallback
	pyroCodec         PyroCodecParameters
	pyroEncoder       PyroEncoder

	// Readback subprocess.
	ffmpegCmd       *exec.Cmd
	ffmpegVideoPipe io.WriteCloser
	ffmpegAudioPipe io.WriteCloser

	// Backup muxer subprocess for streamed elementary packets.
	backupCmd  *exec.Cmd
	backupPipe io.WriteCloser

	// Video PTS state, in ticks of the frame timebase / 16.
	encodeVideoPTS  int64
	lastMeasuredPTS int64
	ptsInitialized  bool
	frameCount      uint64

	// Audio state.
	audioSource     *DumpBackend
	audioBufferS16  []int16
	audioPTSBound   struct {
		lower int64
		upper int64
		valid bool
	}
}

func NewVideoEncoder(device *Device, group *ThreadGroup, backend VideoEncoderBackendType,
	opts VideoEncoderOptions) *VideoEncoder {
	if opts.FrameRateNum == 0 {
		opts.FrameRateNum = 60
		opts.FrameRateDen = 1
	}
	e := &VideoEncoder{
		opts:      opts,
		device:    device,
		group:     group,
		backend:   backend,
		startTime: time.Now(),
	}
	w, h := opts.Width, opts.Height
	e.yPlane = make([]byte, w*h)
	e.cbFull = make([]float32, w*h)
	e.crFull = make([]float32, w*h)
	e.cbHalf = make([]byte, (w/2)*(h/2))
	e.crHalf = make([]byte, (w/2)*(h/2))
	e.packedFrame = make([]byte, w*h*4)

	e.pyroCodec = PyroCodecParameters{
		VideoCodec:        opts.Codec,
		AudioCodec:        opts.AudioCodec,
		Width:             uint32(w),
		Height:            uint32(h),
		FrameRateNum:      uint32(opts.FrameRateNum),
		FrameRateDen:      uint32(opts.FrameRateDen),
		Channels:          uint32(opts.AudioChannels),
		Rate:              uint32(opts.AudioRate),
		VideoColorProfile: PyroColorBT709LimitedLeftChroma420,
	}
	return e
}

// SetMuxStreamCallback installs the streaming sink and pushes the
// codec parameters to it.
func (e *VideoEncoder) SetMuxStreamCallback(cb MuxStreamCallback) {
	e.muxLock.Lock()
	defer e.muxLock.Unlock()
	e.muxStreamCallback = cb
	if cb != nil {
		cb.SetCodecParameters(e.pyroCodec)
	}
}

func (e *VideoEncoder) SetPyroEncoder(enc PyroEncoder) {
	e.pyroEncoder = enc
}

// SetAudioSource installs the pull-mode backend drained every video
// frame.
func (e *VideoEncoder) SetAudioSource(source *DumpBackend) {
	e.audioSource = source
}

// Init spins up whatever the chosen backend needs.
func (e *VideoEncoder) Init() error {
	switch e.backend {
	case EncoderBackendReadback, EncoderBackendVulkanHW:
		if e.opts.OutputPath != "" {
			return e.spawnFFmpegMux()
		}
		if e.muxStreamCallback == nil {
			return fmt.Errorf("readback encoder needs an output path or mux callback")
		}
		return nil
	case EncoderBackendPyroEnc:
		if e.pyroEncoder == nil {
			return fmt.Errorf("pyroenc backend selected without an encoder session")
		}
		return nil
	}
	return nil
}

func codecFFmpegName(codec PyroVideoCodec) string {
	switch codec {
	case PyroVideoCodecH265:
		return "libx265"
	case PyroVideoCodecAV1:
		return "libsvtav1"
	default:
		return "libx264"
	}
}

// spawnFFmpegMux starts the encode/mux subprocess: raw video frames on
// stdin, s16le audio on fd 3 when an audio source is wired.
func (e *VideoEncoder) spawnFFmpegMux() error {
	fps := fmt.Sprintf("%d/%d", e.opts.FrameRateNum, e.opts.FrameRateDen)
	args := []string{
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", e.opts.Width, e.opts.Height),
		"-framerate", fps,
		"-i", "pipe:0",
	}

	hasAudio := e.audioSource != nil && e.opts.AudioRate > 0
	if hasAudio {
		args = append(args,
			"-f", "s16le",
			"-ac", strconv.Itoa(e.opts.AudioChannels),
			"-ar", strconv.Itoa(e.opts.AudioRate),
			"-i", "pipe:3",
		)
	}

	args = append(args, "-c:v", codecFFmpegName(e.opts.Codec))
	if e.opts.LowLatency {
		args = append(args, "-preset", "ultrafast", "-tune", "zerolatency")
	}
	if hasAudio {
		args = append(args, "-c:a", "aac")
	}
	args = append(args, "-y", e.opts.OutputPath)

	cmd := exec.Command("ffmpeg", args...)
	videoPipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if hasAudio {
		ar, aw, err := newPipePair()
		if err != nil {
			return err
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, ar)
		e.ffmpegAudioPipe = aw
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	e.ffmpegCmd = cmd
	e.ffmpegVideoPipe = videoPipe
	return nil
}

// SampleRealtimePTS is microseconds since encoder start.
func (e *VideoEncoder) SampleRealtimePTS() int64 {
	return time.Since(e.startTime).Microseconds()
}

func (e *VideoEncoder) microsecondsPerTick() float64 {
	usPerFrame := 1e6 * float64(e.opts.FrameRateDen) / float64(e.opts.FrameRateNum)
	return usPerFrame / encoderTicksPerFrame
}

// nextVideoPTS applies the realtime PTS policy and reports whether an
// IDR must be forced.
func (e *VideoEncoder) nextVideoPTS() (ptsTicks int64, forceIDR bool) {
	measuredUS := e.SampleRealtimePTS()
	measuredTicks := int64(float64(measuredUS) / e.microsecondsPerTick())

	if e.muxStreamCallback != nil && e.opts.LowLatency {
		// Pass-through, monotonic enforced.
		pts := measuredUS
		if pts <= e.lastMeasuredPTS {
			pts = e.lastMeasuredPTS + 1
		}
		e.lastMeasuredPTS = pts
		return pts, false
	}

	if !e.ptsInitialized {
		e.ptsInitialized = true
		e.encodeVideoPTS = measuredTicks
	} else {
		delta := measuredTicks - e.encodeVideoPTS
		if delta > 8*encoderTicksPerFrame {
			// Fell badly behind the wall clock; snap and restart the
			// GOP so downstream decoders resynchronize.
			e.encodeVideoPTS = measuredTicks
			forceIDR = true
		} else if delta >= encoderTicksPerFrame/4 {
			e.encodeVideoPTS++
		} else if delta <= -encoderTicksPerFrame/4 {
			e.encodeVideoPTS--
		}
	}
	pts := e.encodeVideoPTS
	e.encodeVideoPTS += encoderTicksPerFrame
	return pts, forceIDR
}

// ------------------------------------------------------------------------------
// RGB -> YCbCr conversion
// ------------------------------------------------------------------------------

// convertRGBToPlanes is the CPU reference of the conversion compute:
// full-res luma + full-res chroma, then 2x bilinear chroma downsample
// with the half-texel phase realizing the configured siting. HDR10
// input selects BT.2020 coefficients.
func (e *VideoEncoder) convertRGBToPlanes(rgb []byte) {
	w, h := e.opts.Width, e.opts.Height
	space := ColorSpaceBT709
	if e.opts.HDR10 {
		space = ColorSpaceBT2020
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			rgbIn := [3]float64{
				float64(rgb[o+0]) / 255.0,
				float64(rgb[o+1]) / 255.0,
				float64(rgb[o+2]) / 255.0,
			}
			yv, cb, cr := RGBToYCbCr(space, ColorRangeLimited, 8, rgbIn)
			e.yPlane[y*w+x] = byte(yv*255.0 + 0.5)
			e.cbFull[y*w+x] = float32(cb)
			e.crFull[y*w+x] = float32(cr)
		}
	}

	sitX, sitY := ChromaSitingOffset(e.opts.ChromaSiting)
	cw, ch := w/2, h/2
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			// Sample position in full-res space with the siting phase.
			fx := float32(2*cx) + 1.0 - sitX
			fy := float32(2*cy) + 1.0 - sitY
			cb := bilinearSample(e.cbFull, w, h, fx, fy)
			cr := bilinearSample(e.crFull, w, h, fx, fy)
			e.cbHalf[cy*cw+cx] = byte(cb*255.0 + 0.5)
			e.crHalf[cy*cw+cx] = byte(cr*255.0 + 0.5)
		}
	}
}

func bilinearSample(plane []float32, w, h int, x, y float32) float32 {
	x0 := int(x)
	y0 := int(y)
	fx := x - float32(x0)
	fy := y - float32(y0)

	clampIdx := func(v, maxV int) int {
		if v < 0 {
			return 0
		}
		if v >= maxV {
			return maxV - 1
		}
		return v
	}
	x1 := clampIdx(x0+1, w)
	y1 := clampIdx(y0+1, h)
	x0 = clampIdx(x0, w)
	y0 = clampIdx(y0, h)

	s00 := plane[y0*w+x0]
	s10 := plane[y0*w+x1]
	s01 := plane[y1*w+x0]
	s11 := plane[y1*w+x1]
	top := s00 + (s10-s00)*fx
	bottom := s01 + (s11-s01)*fx
	return top + (bottom-top)*fy
}

// ------------------------------------------------------------------------------
// Frame submission
// ------------------------------------------------------------------------------

// SubmitProcessRGB encodes one RGBA frame. All backends satisfy this
// contract; failures skip the frame in realtime mode.
func (e *VideoEncoder) SubmitProcessRGB(rgb []byte) bool {
	if e.device != nil {
		// GPU conversion dispatch over 8x8 tiles; the CPU reference
		// below stays authoritative for the subprocess payload.
		cmd := e.device.RequestCommandBuffer(QueueAsyncCompute)
		if cmd != nil {
			vkCmdDispatch(cmd, uint32((e.opts.Width+7)/8), uint32((e.opts.Height+7)/8), 1)
			// Half-res chroma downsample pass.
			vkCmdDispatch(cmd, uint32((e.opts.Width/2+7)/8), uint32((e.opts.Height/2+7)/8), 1)
			e.device.Submit(cmd, e.device.CreateFence())
		}
	}

	e.convertRGBToPlanes(rgb)
	pts, forceIDR := e.nextVideoPTS()

	if e.muxStreamCallback != nil && e.muxStreamCallback.ShouldForceIDR() {
		forceIDR = true
	}

	ok := false
	switch e.backend {
	case EncoderBackendPyroEnc:
		ok = e.submitPyro(pts, forceIDR)
	default:
		ok = e.submitReadback()
	}

	if ok {
		e.frameCount++
		e.drainAudioSource()
	}
	return ok
}

func (e *VideoEncoder) submitReadback() bool {
	if e.ffmpegVideoPipe == nil {
		return false
	}
	w, h := e.opts.Width, e.opts.Height
	if _, err := e.ffmpegVideoPipe.Write(e.yPlane[:w*h]); err != nil {
		logError("video encode: luma write failed: %v", err)
		return false
	}
	if _, err := e.ffmpegVideoPipe.Write(e.cbHalf); err != nil {
		return false
	}
	if _, err := e.ffmpegVideoPipe.Write(e.crHalf); err != nil {
		return false
	}
	return true
}

func (e *VideoEncoder) submitPyro(pts int64, forceIDR bool) bool {
	planes := [][]byte{e.yPlane, e.cbHalf, e.crHalf}
	if err := e.pyroEncoder.SendFrame(planes, pts, forceIDR); err != nil {
		logError("pyroenc send failed: %v", err)
		return false
	}

	for {
		payload, encodedPTS, isKey, ok := e.pyroEncoder.ReceiveEncodedFrame()
		if !ok {
			break
		}
		e.muxLock.Lock()
		cb := e.muxStreamCallback
		if cb != nil {
			data := payload
			if isKey {
				// Key frames carry the codec parameter sets up front
				// so stream joiners can bootstrap.
				params := e.pyroEncoder.EncodedParameters()
				combined := make([]byte, len(params)+len(payload))
				copy(combined, params)
				copy(combined[len(params):], payload)
				data = combined
			}
			cb.WriteVideoPacket(encodedPTS, encodedPTS, data, isKey)
		}
		if e.backupPipe != nil {
			e.writeBackupPacket(payload)
		}
		e.muxLock.Unlock()
	}
	return true
}

// writeBackupPacket mirrors streamed packets into the local backup
// muxer; called under the mux lock.
func (e *VideoEncoder) writeBackupPacket(payload []byte) {
	if e.backupCmd == nil {
		codecName := "h264"
		if e.opts.Codec == PyroVideoCodecH265 {
			codecName = "hevc"
		}
		cmd := exec.Command("ffmpeg",
			"-v", "error",
			"-f", codecName,
			"-i", "pipe:0",
			"-c", "copy",
			"-y", e.opts.LocalBackupPath)
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return
		}
		if err := cmd.Start(); err != nil {
			return
		}
		e.backupCmd = cmd
		e.backupPipe = pipe
	}
	e.backupPipe.Write(payload)
}

// EnableLocalBackup arms the backup muxer path.
func (e *VideoEncoder) EnableLocalBackup(path string) {
	e.muxLock.Lock()
	defer e.muxLock.Unlock()
	e.opts.LocalBackupPath = path
}

// ------------------------------------------------------------------------------
// Audio paths
// ------------------------------------------------------------------------------

// drainAudioSource pulls one video frame's worth of S16 audio from the
// pull backend.
func (e *VideoEncoder) drainAudioSource() {
	if e.audioSource == nil {
		return
	}
	frames := e.opts.AudioRate * e.opts.FrameRateDen / e.opts.FrameRateNum
	if frames <= 0 {
		return
	}
	need := frames * e.opts.AudioChannels
	if cap(e.audioBufferS16) < need {
		e.audioBufferS16 = make([]int16, need)
	}
	buf := e.audioBufferS16[:need]
	e.audioSource.DrainInterleavedS16(buf, frames)

	if e.muxStreamCallback != nil && e.pyroCodec.AudioCodec == PyroAudioCodecRawS16LE {
		pts := e.clampAudioPTS(e.SampleRealtimePTS(), frames)
		e.muxLock.Lock()
		e.muxStreamCallback.WriteAudioPacket(pts, pts, s16SliceBytes(buf))
		e.muxLock.Unlock()
		return
	}

	if e.ffmpegAudioPipe != nil {
		e.ffmpegAudioPipe.Write(s16SliceBytes(buf))
	}
}

// WriteFramesInterleavedF32 is the push-mode audio entry point
// (RecordCallback). Raw PCM streaming sends S16LE packets stamped with
// the realtime clock.
func (e *VideoEncoder) WriteFramesInterleavedF32(data []float32, frames int) {
	if e.muxStreamCallback == nil || e.pyroCodec.AudioCodec != PyroAudioCodecRawS16LE {
		if e.ffmpegAudioPipe != nil {
			buf := make([]int16, frames*e.opts.AudioChannels)
			for i := range buf {
				buf[i] = f32ToS16(data[i])
			}
			e.ffmpegAudioPipe.Write(s16SliceBytes(buf))
		}
		return
	}

	buf := make([]int16, frames*e.opts.AudioChannels)
	for i := range buf {
		buf[i] = f32ToS16(data[i])
	}
	pts := e.clampAudioPTS(e.SampleRealtimePTS(), frames)
	e.muxLock.Lock()
	e.muxStreamCallback.WriteAudioPacket(pts, pts, s16SliceBytes(buf))
	e.muxLock.Unlock()
}

// clampAudioPTS enforces monotonic audio timestamps: never below the
// previous packet plus ~0.99x its duration, never above ~1.01x, unless
// the gap exceeds 200 ms (reset).
func (e *VideoEncoder) clampAudioPTS(pts int64, frames int) int64 {
	rate := int64(e.opts.AudioRate)
	if rate == 0 {
		return pts
	}

	if e.audioPTSBound.valid {
		if pts > e.audioPTSBound.upper+200000 {
			// Gap too large; resynchronize to the wall clock.
		} else {
			if pts < e.audioPTSBound.lower {
				pts = e.audioPTSBound.lower
			}
			if pts > e.audioPTSBound.upper {
				pts = e.audioPTSBound.upper
			}
		}
	}

	e.audioPTSBound.lower = pts + int64(frames)*990000/rate
	e.audioPTSBound.upper = pts + int64(frames)*1010000/rate
	e.audioPTSBound.valid = true
	return pts
}

// ------------------------------------------------------------------------------
// Teardown
// ------------------------------------------------------------------------------

// newPipePair returns the read end as an *os.File suitable for
// ExtraFiles and the write end for the encoder.
func newPipePair() (*os.File, io.WriteCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	return r, w, nil
}

func s16SliceBytes(data []int16) []byte {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*2)
}

func (e *VideoEncoder) Close() {
	if e.ffmpegVideoPipe != nil {
		e.ffmpegVideoPipe.Close()
	}
	if e.ffmpegAudioPipe != nil {
		e.ffmpegAudioPipe.Close()
	}
	if e.ffmpegCmd != nil {
		e.ffmpegCmd.Wait()
		e.ffmpegCmd = nil
	}
	if e.backupPipe != nil {
		e.backupPipe.Close()
	}
	if e.backupCmd != nil {
		e.backupCmd.Wait()
		e.backupCmd = nil
	}
	if e.pyroEncoder != nil {
		e.pyroEncoder.Close()
	}
}
