package window

import (
	"math"
	"testing"
)

func TestCoefficients_Endpoints(t *testing.T) {
	tests := []struct {
		typ   Type
		first float64
		mid   float64
	}{
		{TypeRectangular, 1, 1},
		{TypeHann, 0, 1},
		{TypeHamming, 0.08, 1},
		{TypeBlackman, 0, 1},
	}

	const n = 65 // odd length puts the midpoint exactly at the center

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			coeffs := Coefficients(tt.typ, n)
			if len(coeffs) != n {
				t.Fatalf("len = %d, want %d", len(coeffs), n)
			}
			if math.Abs(coeffs[0]-tt.first) > 1e-12 {
				t.Errorf("first coefficient = %v, want %v", coeffs[0], tt.first)
			}
			if math.Abs(coeffs[n/2]-tt.mid) > 1e-12 {
				t.Errorf("center coefficient = %v, want %v", coeffs[n/2], tt.mid)
			}
			// symmetric form
			for i := range coeffs {
				j := n - 1 - i
				if math.Abs(coeffs[i]-coeffs[j]) > 1e-12 {
					t.Fatalf("asymmetry at %d/%d: %v vs %v", i, j, coeffs[i], coeffs[j])
				}
			}
		})
	}
}

func TestCoefficients_Degenerate(t *testing.T) {
	if got := Coefficients(TypeHann, 0); got != nil {
		t.Errorf("n=0 should return nil, got %v", got)
	}
	one := Coefficients(TypeHann, 1)
	if len(one) != 1 || one[0] != 1 {
		t.Errorf("n=1 should return [1], got %v", one)
	}
}

func TestCoherentGain_Hann(t *testing.T) {
	coeffs := Coefficients(TypeHann, 4096)

	sum := 0.0
	for _, c := range coeffs {
		sum += c
	}
	mean := sum / float64(len(coeffs))

	if math.Abs(mean-TypeHann.CoherentGain()) > 1e-3 {
		t.Errorf("measured coherent gain %v, want %v", mean, TypeHann.CoherentGain())
	}
}

func TestApply(t *testing.T) {
	samples := []float64{1, 2, 3, 4}
	coeffs := []float64{0.5, 0.5, 0.5, 0.5}

	Apply(samples, coeffs)

	want := []float64{0.5, 1, 1.5, 2}
	for i := range want {
		if math.Abs(samples[i]-want[i]) > 1e-12 {
			t.Errorf("samples[%d] = %v, want %v", i, samples[i], want[i])
		}
	}
}
