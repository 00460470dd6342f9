// audio_resampler.go - Windowed-sinc resampler and transparent stream wrapper

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
audio_resampler.go - Sample rate conversion

SincResampler is a Kaiser-windowed sinc interpolator. ResampledStream
wraps any MixerStream whose declared rate differs from the mixer rate:
it pulls the required source frames into scratch buffers and resamples
per channel into the mixer's accumulation buffers. The wrapper is
injected by Mixer.AddMixerStream so sources never deal with rates.
*/

package main

import (
	"math"
)

type SincQuality int

const (
	SincQualityLow SincQuality = iota
	SincQualityMedium
	SincQualityHigh
)

func sincTapsForQuality(q SincQuality) int {
	switch q {
	case SincQualityLow:
		return 8
	case SincQualityHigh:
		return 64
	default:
		return 32
	}
}

// SincResampler converts an input stream at inRate to outRate,
// accumulating into the caller's output buffer.
type SincResampler struct {
	ratio    float64 // input frames per output frame
	timePos  float64 // fractional read position into the history stream
	taps     int
	beta     float64
	invI0Beta float64

	// history holds the last taps input samples so interpolation can
	// look behind the current block.
	history []float32
}

func NewSincResampler(outRate, inRate float64, quality SincQuality) *SincResampler {
	taps := sincTapsForQuality(quality)
	beta := 6.0
	r := &SincResampler{
		ratio:     inRate / outRate,
		taps:      taps,
		beta:      beta,
		invI0Beta: 1.0 / besselI0(beta),
		history:   make([]float32, taps),
	}
	return r
}

// MaximumInputForOutputFrames bounds the input needed for any call
// producing outFrames, independent of the current phase.
func (r *SincResampler) MaximumInputForOutputFrames(outFrames int) int {
	return int(math.Ceil(float64(outFrames)*r.ratio)) + r.taps + 1
}

// CurrentInputForOutputFrames is the exact number of fresh input frames
// the next ProcessAndAccumulate call will consume for outFrames.
func (r *SincResampler) CurrentInputForOutputFrames(outFrames int) int {
	end := r.timePos + float64(outFrames)*r.ratio
	return int(end)
}

// ProcessAndAccumulate resamples input into output (adding, not
// overwriting) and returns the number of input frames consumed.
func (r *SincResampler) ProcessAndAccumulate(output, input []float32, outFrames int) int {
	halfTaps := r.taps / 2

	// Interpolate against the concatenation of history and input.
	sample := func(idx int) float32 {
		if idx < 0 {
			h := idx + len(r.history)
			if h < 0 {
				return 0
			}
			return r.history[h]
		}
		if idx < len(input) {
			return input[idx]
		}
		return 0
	}

	pos := r.timePos
	for n := 0; n < outFrames; n++ {
		// The kernel center lags by half the taps so the filter never
		// reads past the supplied input; output is delayed by
		// halfTaps source samples.
		base := int(math.Floor(pos))
		frac := pos - float64(base)
		center := base - halfTaps

		var acc float64
		for t := -halfTaps + 1; t <= halfTaps; t++ {
			x := float64(t) - frac
			w := r.kaiserSinc(x)
			acc += float64(sample(center+t)) * w
		}
		output[n] += float32(acc)
		pos += r.ratio
	}

	consumed := int(pos)
	r.timePos = pos - float64(consumed)

	// Refill history with the tail of the consumed input.
	for i := 0; i < r.taps; i++ {
		r.history[i] = sample(consumed - r.taps + i)
	}
	return consumed
}

func (r *SincResampler) kaiserSinc(x float64) float64 {
	half := float64(r.taps) / 2
	if x <= -half || x >= half {
		return 0
	}
	window := besselI0(r.beta*math.Sqrt(1.0-(x/half)*(x/half))) * r.invI0Beta
	if x == 0 {
		return window
	}
	px := math.Pi * x
	return window * math.Sin(px) / px
}

func besselI0(x float64) float64 {
	// Power series; converges quickly for the betas in use.
	sum := 1.0
	term := 1.0
	for k := 1; k < 32; k++ {
		term *= (x / (2 * float64(k))) * (x / (2 * float64(k)))
		sum += term
		if term < 1e-12*sum {
			break
		}
	}
	return sum
}

// ------------------------------------------------------------------------------
// ResampledStream
// ------------------------------------------------------------------------------

// ResampledStream adapts a source stream at a foreign sample rate to
// the mixer's rate.
type ResampledStream struct {
	StreamBase
	source      MixerStream
	sampleRate  float64
	numChannels int
	maxFrames   int

	inputBuffer [MaxAudioChannels][]float32
	resamplers  [MaxAudioChannels]*SincResampler
}

func NewResampledStream(source MixerStream) *ResampledStream {
	return &ResampledStream{source: source}
}

func (s *ResampledStream) Dispose() {
	if s.source != nil {
		s.source.Dispose()
		s.source = nil
	}
}

func (s *ResampledStream) Setup(outputRate float64, channels int, numFrames int) bool {
	s.numChannels = channels
	s.maxFrames = numFrames
	s.sampleRate = outputRate

	for c := 0; c < channels; c++ {
		s.resamplers[c] = NewSincResampler(outputRate, s.source.SampleRate(), SincQualityMedium)
	}

	maximumInput := s.resamplers[0].MaximumInputForOutputFrames(numFrames)
	for c := 0; c < channels; c++ {
		s.inputBuffer[c] = make([]float32, maximumInput)
	}

	return s.source.Setup(s.source.SampleRate(), s.source.NumChannels(), maximumInput)
}

// AccumulateSamples pulls the exact source frames needed and resamples
// into the mixer buffers. Returns numFrames whenever any source input
// was consumed, even if the source delivered fewer frames than asked;
// a zero return is the EOF signal to the mixer.
func (s *ResampledStream) AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int {
	needSamples := s.resamplers[0].CurrentInputForOutputFrames(numFrames)

	var outputChannels [MaxAudioChannels][]float32
	for c := 0; c < s.numChannels; c++ {
		buf := s.inputBuffer[c][:needSamples]
		for i := range buf {
			buf[i] = 0
		}
		outputChannels[c] = buf
	}

	sourceInput := s.source.AccumulateSamples(outputChannels[:s.numChannels], gain, needSamples)

	for c := 0; c < s.numChannels; c++ {
		s.resamplers[c].ProcessAndAccumulate(channels[c], s.inputBuffer[c][:needSamples], numFrames)
	}

	if sourceInput != 0 {
		return numFrames
	}
	return 0
}

func (s *ResampledStream) SampleRate() float64 { return s.sampleRate }
func (s *ResampledStream) NumChannels() int    { return s.numChannels }
