// Package reference generates the quadrature reference sequences a lock-in
// measurement demodulates against.
//
// Phase is always computed from absolute elapsed time since run start, never
// reset per block, so consecutive blocks see a perfectly continuous reference.
package reference

import (
	"fmt"
	"math"
)

// Spec describes the demodulation reference: a single-frequency sinusoid,
// optionally locked to a harmonic of the fundamental.
type Spec struct {
	Frequency float64 // fundamental frequency, Hz
	Phase     float64 // phase offset, radians
	Harmonic  int     // harmonic order; 0 or 1 selects the fundamental
}

// Validate reports whether the spec describes a usable reference.
func (s Spec) Validate() error {
	if s.Frequency <= 0 || math.IsNaN(s.Frequency) || math.IsInf(s.Frequency, 0) {
		return fmt.Errorf("reference frequency must be > 0: %g", s.Frequency)
	}
	if s.Harmonic < 0 {
		return fmt.Errorf("harmonic order must be >= 1: %d", s.Harmonic)
	}
	return nil
}

// DemodFrequency returns the frequency actually demodulated at:
// the fundamental times the harmonic order.
func (s Spec) DemodFrequency() float64 {
	h := s.Harmonic
	if h < 1 {
		h = 1
	}
	return s.Frequency * float64(h)
}

// Generate fills cosDst and sinDst with in-phase and quadrature reference
// samples. Sample n sits at run time elapsed + n*interval, where elapsed is
// the block start relative to the run's phase origin.
//
// The starting phase is reduced modulo 2π once per block so long runs do not
// lose precision to a growing phase argument.
func Generate(cosDst, sinDst []float64, spec Spec, elapsed, interval float64) error {
	if len(cosDst) != len(sinDst) {
		return fmt.Errorf("reference buffers differ in length: %d vs %d", len(cosDst), len(sinDst))
	}
	if interval <= 0 {
		return fmt.Errorf("sample interval must be > 0: %g", interval)
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	omega := 2 * math.Pi * spec.DemodFrequency()
	phi0 := math.Mod(omega*elapsed+spec.Phase, 2*math.Pi)

	for n := range cosDst {
		s, c := math.Sincos(phi0 + omega*float64(n)*interval)
		cosDst[n] = c
		sinDst[n] = s
	}

	return nil
}
