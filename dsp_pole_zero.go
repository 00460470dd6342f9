// dsp_pole_zero.go - Pole/zero IIR filter designer

/*
Granite Runtime - realtime rendering and streaming core

(c) 2024 - 2025 Granite Runtime Authors
https://github.com/Themaister/Granite-sub004

License: MIT
*/

package main

import (
	"math"
	"math/cmplx"
)

const poleZeroMaxTaps = 64

// PoleZeroFilterDesigner builds H(z) numerator/denominator coefficient
// arrays by convolving pole and zero factors:
//
//	H(z) = (num[0] + num[1] z^-1 + ...) / (den[0] + den[1] z^-1 + ...)
type PoleZeroFilterDesigner struct {
	numerator        [poleZeroMaxTaps]float64
	denominator      [poleZeroMaxTaps]float64
	numeratorCount   int
	denominatorCount int
}

func NewPoleZeroFilterDesigner() *PoleZeroFilterDesigner {
	d := &PoleZeroFilterDesigner{}
	d.Reset()
	return d
}

func (d *PoleZeroFilterDesigner) Reset() {
	d.numerator[0] = 1.0
	d.denominator[0] = 1.0
	d.numeratorCount = 1
	d.denominatorCount = 1
}

func (d *PoleZeroFilterDesigner) Numerator() []float64   { return d.numerator[:d.numeratorCount] }
func (d *PoleZeroFilterDesigner) Denominator() []float64 { return d.denominator[:d.denominatorCount] }
func (d *PoleZeroFilterDesigner) NumeratorCount() int    { return d.numeratorCount }
func (d *PoleZeroFilterDesigner) DenominatorCount() int  { return d.denominatorCount }

func rotor(phase float64) complex128 {
	return complex(math.Cos(phase), math.Sin(phase))
}

// EvaluateResponse returns H(e^{j*phase}).
func (d *PoleZeroFilterDesigner) EvaluateResponse(phase float64) complex128 {
	var num, den complex128
	for i := 0; i < d.numeratorCount; i++ {
		num += complex(d.numerator[i], 0) * rotor(-phase*float64(i))
	}
	for i := 0; i < d.denominatorCount; i++ {
		den += complex(d.denominator[i], 0) * rotor(-phase*float64(i))
	}
	return num / den
}

// ImpulseResponse runs the direct-form filter against a unit impulse.
func (d *PoleZeroFilterDesigner) ImpulseResponse(output []float64) {
	var firHistory, iirHistory [poleZeroMaxTaps]float64
	index := 0

	for i := range output {
		inSample := 0.0
		if i == 0 {
			inSample = 1.0
		}
		ret := d.numerator[0] * inSample
		for x := 0; x < d.numeratorCount-1; x++ {
			ret += d.numerator[x+1] * firHistory[(index+x)&(poleZeroMaxTaps-1)]
		}
		for x := 0; x < d.denominatorCount-1; x++ {
			ret -= d.denominator[x+1] * iirHistory[(index+x)&(poleZeroMaxTaps-1)]
		}

		firHistory[(index-1)&(poleZeroMaxTaps-1)] = inSample
		iirHistory[(index-1)&(poleZeroMaxTaps-1)] = ret
		output[i] = ret

		index = (index - 1) & (poleZeroMaxTaps - 1)
	}
}

// conv([1, -a e^{j phase}], [1, -a e^{-j phase}]) expanded to reals.
func designDualTap(coeffs *[3]float64, amplitude, phase float64) {
	coeffs[0] = 1.0
	coeffs[1] = -2.0 * math.Cos(phase) * amplitude
	coeffs[2] = amplitude * amplitude
}

func addConvolve(coeffs []float64, count *int, newCoeffs []float64) {
	var tmp [poleZeroMaxTaps]float64
	copy(tmp[:], coeffs[:*count])

	outputCount := *count + len(newCoeffs) - 1
	for x := 0; x < outputCount; x++ {
		result := 0.0
		maxT := min(len(newCoeffs)-1, x)
		minT := max(0, x-*count+1)
		for t := minT; t <= maxT; t++ {
			result += newCoeffs[t] * tmp[x-t]
		}
		coeffs[x] = result
	}
	*count += len(newCoeffs) - 1
}

func (d *PoleZeroFilterDesigner) addFilter(coeffs []float64, count *int, amplitude, phase float64) {
	if *count+2 >= poleZeroMaxTaps {
		panic("pole-zero designer tap overflow")
	}
	var tapCoeffs [3]float64
	designDualTap(&tapCoeffs, amplitude, phase)
	addConvolve(coeffs, count, tapCoeffs[:])
}

// AddPole adds a conjugate pole pair (two denominator taps).
func (d *PoleZeroFilterDesigner) AddPole(amplitude, phase float64) {
	d.addFilter(d.denominator[:], &d.denominatorCount, amplitude, phase)
}

// AddZero adds a conjugate zero pair (two numerator taps).
func (d *PoleZeroFilterDesigner) AddZero(amplitude, phase float64) {
	d.addFilter(d.numerator[:], &d.numeratorCount, amplitude, phase)
}

// AddZeroDC adds a single real zero at DC.
func (d *PoleZeroFilterDesigner) AddZeroDC(amplitude float64) {
	addConvolve(d.numerator[:], &d.numeratorCount, []float64{1.0, -amplitude})
}

// AddZeroNyquist adds a single real zero at Nyquist.
func (d *PoleZeroFilterDesigner) AddZeroNyquist(amplitude float64) {
	addConvolve(d.numerator[:], &d.numeratorCount, []float64{1.0, amplitude})
}

// ResponseMagnitude is a convenience for |H(e^{j*phase})|.
func (d *PoleZeroFilterDesigner) ResponseMagnitude(phase float64) float64 {
	return cmplx.Abs(d.EvaluateResponse(phase))
}
