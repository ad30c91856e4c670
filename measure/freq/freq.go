// Package freq estimates the fundamental frequency of a sampled reference
// signal from its spectral peak.
//
// A lock-in run that tracks a physical reference channel uses this estimate
// to demodulate at the channel's actual frequency rather than a configured
// nominal one, which also absorbs small generator drift between captures.
package freq

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/scope-lockin/dsp/window"
)

// Config holds estimator parameters.
type Config struct {
	SampleRate float64     // Hz, required
	MinFreq    float64     // lower search bound, Hz; 0 skips only the DC bin
	MaxFreq    float64     // upper search bound, Hz; 0 means Nyquist
	WindowType window.Type // defaults to Hann
	FFTSize    int         // 0 derives the next power of two from the input
}

// Peak is a detected spectral peak.
type Peak struct {
	Frequency float64 // Hz, refined by parabolic interpolation
	Magnitude float64 // spectral magnitude at the peak bin
}

// Estimate locates the dominant spectral peak of samples within the
// configured search range. The signal is windowed, transformed, and the peak
// bin refined with parabolic interpolation over its neighbors, so the
// resolution is considerably finer than one FFT bin.
func Estimate(samples []float64, cfg Config) (Peak, error) {
	if cfg.SampleRate <= 0 {
		return Peak{}, fmt.Errorf("freq: sample rate must be > 0: %g", cfg.SampleRate)
	}
	if len(samples) < 4 {
		return Peak{}, fmt.Errorf("freq: need at least 4 samples, got %d", len(samples))
	}

	fftSize := cfg.FFTSize
	if fftSize <= 0 {
		fftSize = nextPow2(len(samples))
	}
	if fftSize < len(samples) {
		samples = samples[:fftSize]
	}

	coeffs := window.Coefficients(cfg.WindowType, len(samples))
	windowed := append([]float64(nil), samples...)
	window.Apply(windowed, coeffs)

	inData := make([]complex128, fftSize)
	for i, v := range windowed {
		inData[i] = complex(v, 0)
	}

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return Peak{}, fmt.Errorf("freq: fft plan: %w", err)
	}

	out := make([]complex128, fftSize)
	if err := plan.Forward(out, inData); err != nil {
		return Peak{}, fmt.Errorf("freq: fft: %w", err)
	}

	binWidth := cfg.SampleRate / float64(fftSize)
	bins := fftSize/2 + 1

	lo := int(math.Ceil(cfg.MinFreq / binWidth))
	if lo < 1 {
		lo = 1 // always skip DC
	}
	hi := bins - 1
	if cfg.MaxFreq > 0 {
		if h := int(cfg.MaxFreq / binWidth); h < hi {
			hi = h
		}
	}
	if lo >= hi {
		return Peak{}, fmt.Errorf("freq: empty search range [%g, %g] Hz at bin width %g", cfg.MinFreq, cfg.MaxFreq, binWidth)
	}

	mags := magnitudes(out[:bins])

	peakIdx := lo
	peakMag := mags[lo]
	for i := lo + 1; i <= hi; i++ {
		if mags[i] > peakMag {
			peakMag = mags[i]
			peakIdx = i
		}
	}
	if peakMag == 0 {
		return Peak{}, fmt.Errorf("freq: no spectral content in search range")
	}

	// Parabolic interpolation over the peak and its neighbors recovers the
	// true peak position between bins.
	frac := 0.0
	if peakIdx > 0 && peakIdx < bins-1 {
		alpha := mags[peakIdx-1]
		beta := mags[peakIdx]
		gamma := mags[peakIdx+1]
		denom := alpha - 2*beta + gamma
		if denom != 0 {
			frac = 0.5 * (alpha - gamma) / denom
		}
	}

	return Peak{
		Frequency: (float64(peakIdx) + frac) * binWidth,
		Magnitude: peakMag,
	}, nil
}

// magnitudes unpacks a complex spectrum and computes |X[k]| with the
// vectorized kernel.
func magnitudes(spectrum []complex128) []float64 {
	n := len(spectrum)
	re := make([]float64, n)
	im := make([]float64, n)
	for i, c := range spectrum {
		re[i] = real(c)
		im[i] = imag(c)
	}

	out := make([]float64, n)
	vecmath.Magnitude(out, re, im)
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
