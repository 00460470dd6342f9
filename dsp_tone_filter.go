// dsp_tone_filter.go - Per-semitone resonator bank for tone visualization

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

/*
dsp_tone_filter.go - 48-tone resonator bank

Each tone is a biquad resonator: unit zeroes at DC and Nyquist, one
conjugate pole pair at radius 0.9999 on the tone's angular frequency,
FIR part normalized to unit response at the tone. Per sample, the bank
tracks a slow running total power and a faster per-tone power, clamps
tone power into a window derived from the total, soft-distorts, scales
by the tone RMS, sums all tones and smooths with a (0.5, 0.5) one-pole.

Only the scalar kernel is shipped; the SIMD variants of the original
use reciprocal approximations and are equivalent to ~1e-4.
*/

package main

import (
	"math"
)

const (
	ToneCount  = 48
	FilterTaps = 2
)

type ToneFilter struct {
	firHistory [FilterTaps]float32
	iirHistory [FilterTaps][ToneCount]float32
	firCoeff   [FilterTaps + 1][ToneCount]float32
	iirCoeff   [FilterTaps][ToneCount]float32

	runningPower      [ToneCount]float32
	runningTotalPower float32
	index             int

	iirFilterTaps int
	firFilterTaps int

	tonePowerLerp      float32
	totalTonePowerLerp float32
	finalHistory       float32

	toneBuffers [ToneCount][]float32
	debug       bool
}

func NewToneFilter() *ToneFilter {
	return &ToneFilter{
		tonePowerLerp:      0.00012,
		totalTonePowerLerp: 0.0001,
	}
}

// EnableDebug makes the filter retain per-tone output for
// FlushDebugInfo.
func (f *ToneFilter) EnableDebug() {
	f.debug = true
	for i := range f.toneBuffers {
		f.toneBuffers[i] = make([]float32, 0, 1024)
	}
}

// Init designs the 48 resonators around tuningFreq (A4 by default
// convention, 440 Hz).
func (f *ToneFilter) Init(sampleRate, tuningFreq float64) {
	// Readjust power falloffs to the sample rate; the reference taus
	// are ~83 ms (total) and ~20 ms (tone) at 44.1 kHz.
	f.tonePowerLerp = float32(1.0 - math.Exp(math.Log(0.00503)/sampleRate))
	f.totalTonePowerLerp = float32(1.0 - math.Exp(math.Log(0.01215)/sampleRate))

	designer := NewPoleZeroFilterDesigner()
	for i := 0; i < ToneCount; i++ {
		designer.Reset()

		freq := tuningFreq * math.Exp2(float64(i-12)/12.0)
		angularFreq := freq * 2.0 * math.Pi / sampleRate

		// Balance the resonator with zeroes at the band edges.
		designer.AddZeroDC(1.0)
		designer.AddZeroNyquist(1.0)
		designer.AddPole(0.9999, angularFreq)

		f.firFilterTaps = designer.NumeratorCount() - 1
		f.iirFilterTaps = designer.DenominatorCount() - 1

		// Normalize the FIR part to unit gain at the tone.
		invResponse := 1.0 / designer.ResponseMagnitude(angularFreq)
		for coeff := 0; coeff <= f.firFilterTaps; coeff++ {
			f.firCoeff[coeff][i] = float32(designer.Numerator()[coeff] * invResponse)
		}

		// Z-form denominator coefficients are negated for application.
		for coeff := 0; coeff < f.iirFilterTaps; coeff++ {
			f.iirCoeff[coeff][i] = float32(-designer.Denominator()[coeff+1])
		}
	}
}

func distort(v float32) float32 {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	return v / (1.0 + abs)
}

// Filter processes count samples.
func (f *ToneFilter) Filter(outSamples, inSamples []float32, count int) {
	for samp := 0; samp < count; samp++ {
		inSample := inSamples[samp]
		f.runningTotalPower = f.runningTotalPower*(1.0-f.totalTonePowerLerp) +
			f.totalTonePowerLerp*inSample*inSample
		lowThreshold := 0.0002 * f.runningTotalPower
		highThreshold := 0.10 * f.runningTotalPower
		lowThresholdDivider := 1.0 / max32(1e-11, lowThreshold*lowThreshold*lowThreshold)

		finalSample := float32(0.0)
		for tone := 0; tone < ToneCount; tone++ {
			ret := f.firCoeff[0][tone] * inSample
			for x := 0; x < f.firFilterTaps; x++ {
				ret += f.firCoeff[x+1][tone] * f.firHistory[(f.index+x)&(FilterTaps-1)]
			}
			for x := 0; x < f.iirFilterTaps; x++ {
				ret += f.iirCoeff[x][tone] * f.iirHistory[(f.index+x)&(FilterTaps-1)][tone]
			}

			f.iirHistory[(f.index-1)&(FilterTaps-1)][tone] = ret

			newPower := ret * ret
			newPower = min32(newPower, newPower*newPower*newPower*newPower*lowThresholdDivider)
			newPower = min32(newPower, highThreshold)

			newPower = (1.0-f.tonePowerLerp)*f.runningPower[tone] + f.tonePowerLerp*newPower
			f.runningPower[tone] = newPower

			rms := float32(math.Sqrt(float64(newPower)))
			final := rms * distort(ret*40.0/(rms+0.001))
			finalSample += final

			if f.debug {
				f.toneBuffers[tone] = append(f.toneBuffers[tone], final)
			}
		}

		// One-pole low-pass to dampen the worst high-end.
		finalSample = 0.5*f.finalHistory + 0.5*finalSample
		f.finalHistory = finalSample

		f.firHistory[(f.index-1)&(FilterTaps-1)] = inSample
		outSamples[samp] = distort(2.0 * finalSample)
		f.index = (f.index - 1) & (FilterTaps - 1)
	}
}

// FlushDebugInfo posts the accumulated per-tone waves onto the queue.
func (f *ToneFilter) FlushDebugInfo(queue *LockFreeMessageQueue, id StreamID) {
	if !f.debug {
		return
	}
	for i := 0; i < ToneCount; i++ {
		samples := make([]float32, len(f.toneBuffers[i]))
		copy(samples, f.toneBuffers[i])
		emplacePaddedAudioEvent(queue, len(samples)*4, ToneFilterWave{
			StreamID:   id,
			ToneIndex:  i,
			PowerRatio: f.runningPower[i] / (f.runningTotalPower + 0.000001),
			Samples:    samples,
		})
		f.toneBuffers[i] = f.toneBuffers[i][:0]
	}
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// ------------------------------------------------------------------------------
// ToneFilterStream
// ------------------------------------------------------------------------------

// ToneFilterStream runs a source stream through the resonator bank and
// feeds the filtered signal to the mixer. Used by tone-visualizer
// streams; the per-tone debug waves flow out over the message queue.
type ToneFilterStream struct {
	StreamBase
	source      MixerStream
	filter      *ToneFilter
	sampleRate  float64
	numChannels int

	monoInput  []float32
	monoOutput []float32
	flushAccum int
	tuningFreq float64
}

func NewToneFilterStream(source MixerStream, tuningFreq float64) *ToneFilterStream {
	if tuningFreq <= 0 {
		tuningFreq = 440.0
	}
	return &ToneFilterStream{
		source:     source,
		filter:     NewToneFilter(),
		tuningFreq: tuningFreq,
	}
}

func (s *ToneFilterStream) Dispose() {
	if s.source != nil {
		s.source.Dispose()
		s.source = nil
	}
}

func (s *ToneFilterStream) Setup(mixerOutputRate float64, mixerChannels int, maxNumFrames int) bool {
	s.sampleRate = mixerOutputRate
	s.numChannels = mixerChannels
	s.monoInput = make([]float32, maxNumFrames)
	s.monoOutput = make([]float32, maxNumFrames)
	s.filter.Init(mixerOutputRate, s.tuningFreq)
	s.filter.EnableDebug()
	return s.source.Setup(mixerOutputRate, 1, maxNumFrames)
}

func (s *ToneFilterStream) AccumulateSamples(channels [][]float32, gain []float32, numFrames int) int {
	input := s.monoInput[:numFrames]
	for i := range input {
		input[i] = 0
	}
	unity := [1]float32{1.0}
	mono := [1][]float32{input}
	got := s.source.AccumulateSamples(mono[:], unity[:], numFrames)
	if got == 0 {
		return 0
	}

	output := s.monoOutput[:numFrames]
	s.filter.Filter(output, input, numFrames)

	for c := 0; c < s.numChannels; c++ {
		dst := channels[c]
		g := gain[c]
		for i := 0; i < got; i++ {
			dst[i] += g * output[i]
		}
	}

	s.flushAccum += got
	if queue := s.MessageQueue(); queue != nil && s.flushAccum >= int(s.sampleRate/30) {
		s.filter.FlushDebugInfo(queue, s.StreamID())
		s.flushAccum = 0
	}
	return got
}

func (s *ToneFilterStream) SampleRate() float64 { return s.sampleRate }
func (s *ToneFilterStream) NumChannels() int    { return s.numChannels }
