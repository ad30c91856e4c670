// Package window provides the window functions used for spectral peak
// detection on acquired waveform blocks.
package window

import (
	"math"

	"github.com/cwbudde/algo-vecmath"
)

// Type identifies a window function.
type Type int

// TypeHann is the zero value: it is the default analysis window for
// spectral peak detection throughout this module.
const (
	TypeHann Type = iota
	TypeRectangular
	TypeHamming
	TypeBlackman
)

// String returns the window name.
func (t Type) String() string {
	switch t {
	case TypeRectangular:
		return "rectangular"
	case TypeHann:
		return "hann"
	case TypeHamming:
		return "hamming"
	case TypeBlackman:
		return "blackman"
	default:
		return "unknown"
	}
}

// CoherentGain returns the mean of the window coefficients, needed to
// recover absolute amplitudes from windowed spectra.
func (t Type) CoherentGain() float64 {
	switch t {
	case TypeHann:
		return 0.5
	case TypeHamming:
		return 0.54
	case TypeBlackman:
		return 0.42
	default:
		return 1
	}
}

// Coefficients returns the symmetric window of length n.
// Unknown types fall back to rectangular.
func Coefficients(t Type, n int) []float64 {
	if n <= 0 {
		return nil
	}

	coeffs := make([]float64, n)
	if n == 1 {
		coeffs[0] = 1
		return coeffs
	}

	den := float64(n - 1)
	for i := range coeffs {
		x := 2 * math.Pi * float64(i) / den
		switch t {
		case TypeHann:
			coeffs[i] = 0.5 * (1 - math.Cos(x))
		case TypeHamming:
			coeffs[i] = 0.54 - 0.46*math.Cos(x)
		case TypeBlackman:
			coeffs[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
		default:
			coeffs[i] = 1
		}
	}

	return coeffs
}

// Apply multiplies samples by coeffs in place. Both slices must have the
// same length.
func Apply(samples, coeffs []float64) {
	vecmath.MulBlockInPlace(samples, coeffs)
}
