package core

import "math"

const defaultEpsilon = 1e-12

// Clamp limits value to the inclusive range [min, max].
func Clamp(value, min, max float64) float64 {
	if min > max {
		min, max = max, min
	}

	if value < min {
		return min
	}

	if value > max {
		return max
	}

	return value
}

// NearlyEqual reports whether a and b are equal within eps.
func NearlyEqual(a, b, eps float64) bool {
	if eps <= 0 {
		eps = defaultEpsilon
	}

	diff := math.Abs(a - b)
	if diff <= eps {
		return true
	}

	largest := math.Max(math.Abs(a), math.Abs(b))
	if largest == 0 {
		return diff <= eps
	}

	return diff/largest <= eps
}

// WrapPhase maps an angle in radians into the interval (-π, π].
func WrapPhase(phase float64) float64 {
	if phase > -math.Pi && phase <= math.Pi {
		return phase
	}

	wrapped := math.Mod(phase, 2*math.Pi)
	if wrapped <= -math.Pi {
		wrapped += 2 * math.Pi
	} else if wrapped > math.Pi {
		wrapped -= 2 * math.Pi
	}

	return wrapped
}
