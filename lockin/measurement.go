package lockin

import (
	"math"

	"github.com/cwbudde/scope-lockin/dsp/core"
)

// Measurement is one emitted lock-in output sample. It is immutable once
// emitted; ownership passes to the sink.
type Measurement struct {
	// Time is the measurement timestamp in seconds since run start.
	Time float64

	// Amplitude is the calibrated signal amplitude, >= 0.
	Amplitude float64

	// Phase is the signal phase relative to the reference in radians,
	// wrapped to (-π, π]. The convention is atan2(-Q, I): an input
	// A·cos(ωt + θ) measured against a cosine reference reports θ.
	Phase float64

	// I and Q are the filtered in-phase and quadrature values before
	// amplitude scaling.
	I, Q float64
}

// polar converts filtered I/Q into calibrated amplitude and wrapped phase.
//
// When both components are exactly zero (filter not yet settled) amplitude
// and phase are both 0. This is a defined degenerate value, not a failure.
func polar(i, q, scale float64) (amplitude, phase float64) {
	if i == 0 && q == 0 {
		return 0, 0
	}
	return scale * math.Hypot(i, q), core.WrapPhase(math.Atan2(-q, i))
}
