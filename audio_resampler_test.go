// audio_resampler_test.go - Tests for the sinc resampler

package main

import (
	"math"
	"testing"
)

// TestResamplerDCPassthrough verifies a constant signal survives
// resampling at unity amplitude.
func TestResamplerDCPassthrough(t *testing.T) {
	r := NewSincResampler(48000, 24000, SincQualityMedium)

	const outFrames = 256
	need := r.CurrentInputForOutputFrames(outFrames)
	input := make([]float32, need)
	for i := range input {
		input[i] = 1.0
	}
	output := make([]float32, outFrames)
	consumed := r.ProcessAndAccumulate(output, input, outFrames)
	if consumed != need {
		t.Fatalf("consumed %d, expected %d", consumed, need)
	}

	// Skip the leading filter warm-up.
	for i := 64; i < outFrames; i++ {
		if math.Abs(float64(output[i])-1.0) > 0.01 {
			t.Fatalf("output[%d] = %f, expected ~1.0", i, output[i])
		}
	}
}

// TestResamplerFrequencyPreserved verifies a sine keeps its absolute
// frequency through a 24k -> 48k conversion.
func TestResamplerFrequencyPreserved(t *testing.T) {
	const inRate = 24000.0
	const outRate = 48000.0
	const freq = 600.0
	r := NewSincResampler(outRate, inRate, SincQualityMedium)

	const outFrames = 4800 // 0.1 s
	phase := 0.0
	step := 2 * math.Pi * freq / inRate

	var output []float32
	for len(output) < outFrames {
		chunk := 256
		need := r.CurrentInputForOutputFrames(chunk)
		input := make([]float32, need)
		for i := range input {
			input[i] = float32(math.Sin(phase))
			phase += step
		}
		out := make([]float32, chunk)
		r.ProcessAndAccumulate(out, input, chunk)
		output = append(output, out...)
	}
	output = output[512:outFrames]

	crossings := 0
	for i := 1; i < len(output); i++ {
		if (output[i-1] < 0 && output[i] >= 0) || (output[i-1] >= 0 && output[i] < 0) {
			crossings++
		}
	}
	expected := 2 * freq * float64(len(output)) / outRate
	if math.Abs(float64(crossings)-expected) > 6 {
		t.Fatalf("zero crossings = %d, expected ~%.0f", crossings, expected)
	}
}

// TestResamplerInputAccounting verifies the consumed counts add up to
// the ideal ratio over a long run.
func TestResamplerInputAccounting(t *testing.T) {
	r := NewSincResampler(48000, 44100, SincQualityMedium)

	totalIn := 0
	totalOut := 0
	for i := 0; i < 100; i++ {
		const chunk = 512
		need := r.CurrentInputForOutputFrames(chunk)
		input := make([]float32, need)
		out := make([]float32, chunk)
		consumed := r.ProcessAndAccumulate(out, input, chunk)
		if consumed != need {
			t.Fatalf("iteration %d: consumed %d, expected %d", i, consumed, need)
		}
		totalIn += consumed
		totalOut += chunk
	}

	ratio := float64(totalIn) / float64(totalOut)
	if math.Abs(ratio-44100.0/48000.0) > 1e-3 {
		t.Fatalf("aggregate ratio %f, expected %f", ratio, 44100.0/48000.0)
	}
}

// TestResampledStreamReportsFullFrames verifies the wrapper reports
// numFrames whenever the source consumed input.
func TestResampledStreamReportsFullFrames(t *testing.T) {
	source := newConstantStream(0.5, 24000, -1)
	stream := NewResampledStream(source)
	if !stream.Setup(48000, 2, 256) {
		t.Fatal("setup failed")
	}
	if stream.SampleRate() != 48000 {
		t.Fatalf("SampleRate() = %f after setup, expected 48000", stream.SampleRate())
	}

	bufs := [][]float32{make([]float32, 128), make([]float32, 128)}
	gains := []float32{1, 1}
	got := stream.AccumulateSamples(bufs, gains, 128)
	if got != 128 {
		t.Fatalf("AccumulateSamples = %d, expected 128", got)
	}
}
