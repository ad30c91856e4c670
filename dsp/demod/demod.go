// Package demod mixes acquired waveform blocks down against quadrature
// reference sequences, producing the raw I/Q products a lock-in filter
// stage integrates.
package demod

import (
	"errors"

	"github.com/cwbudde/algo-vecmath"
)

// ErrShapeMismatch reports that block and reference lengths differ. This is
// an internal consistency defect, never an expected runtime condition.
var ErrShapeMismatch = errors.New("demod: block and reference lengths differ")

// Mix computes the elementwise mixing products
//
//	iDst[n] = samples[n] * cosRef[n]
//	qDst[n] = samples[n] * sinRef[n]
//
// using vectorized multiplies. All five slices must have the same length.
// Mix holds no state; it is a pure function of its inputs.
func Mix(iDst, qDst, samples, cosRef, sinRef []float64) error {
	n := len(samples)
	if len(cosRef) != n || len(sinRef) != n || len(iDst) != n || len(qDst) != n {
		return ErrShapeMismatch
	}
	if n == 0 {
		return nil
	}

	vecmath.MulBlock(iDst, samples, cosRef)
	vecmath.MulBlock(qDst, samples, sinRef)

	return nil
}
