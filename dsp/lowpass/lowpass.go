package lowpass

import (
	"fmt"
	"math"

	"github.com/cwbudde/scope-lockin/dsp/core"
)

// Alpha returns the per-sample smoothing coefficient for a time constant tau
// and a sample interval, both in seconds:
//
//	a = 1 - exp(-interval/tau)
//
// Deriving the weight from the interval keeps filter behavior consistent
// across different acquisition sampling rates. The result is always in (0, 1)
// for tau > 0 and interval > 0.
func Alpha(tau, interval float64) float64 {
	return 1 - math.Exp(-interval/tau)
}

// ENBW returns the equivalent noise bandwidth in Hz of a single pole with
// time constant tau: 1/(4τ).
func ENBW(tau float64) float64 {
	return 1 / (4 * tau)
}

// TimeConstant returns the single-pole time constant for an equivalent noise
// bandwidth in Hz: τ = 1/(4·enbw).
func TimeConstant(enbw float64) float64 {
	return 1 / (4 * enbw)
}

// Pole is a single exponential smoothing stage with coefficient and state.
type Pole struct {
	a float64
	y float64
}

// NewPole returns a Pole with the given smoothing coefficient and zero state.
func NewPole(alpha float64) *Pole {
	return &Pole{a: alpha}
}

// ProcessSample filters one input sample and returns the output.
func (p *Pole) ProcessSample(x float64) float64 {
	p.y += p.a * (x - p.y)
	return p.y
}

// ProcessBlock filters a block of samples in-place. Zero-alloc.
func (p *Pole) ProcessBlock(buf []float64) {
	a, y := p.a, p.y
	for i, x := range buf {
		y += a * (x - y)
		buf[i] = y
	}
	p.y = y
}

// SetAlpha replaces the smoothing coefficient, keeping state.
func (p *Pole) SetAlpha(alpha float64) {
	p.a = alpha
}

// Reset clears the pole memory to zero.
func (p *Pole) Reset() {
	p.y = 0
}

// State returns the current pole memory.
func (p *Pole) State() float64 {
	return p.y
}

// SetState restores a previously saved pole memory.
func (p *Pole) SetState(y float64) {
	p.y = y
}

// Cascade is an ordered chain of identical poles processed in series,
// parameterized by a shared time constant. The output of one pole feeds
// the next.
type Cascade struct {
	tau      float64
	interval float64
	poles    []Pole
}

// NewCascade creates a cascade of order poles sharing time constant tau.
// The per-sample coefficient is derived lazily from the first SetInterval
// call; until then the cascade passes input through unchanged.
func NewCascade(tau float64, order int) (*Cascade, error) {
	if tau <= 0 || math.IsNaN(tau) || math.IsInf(tau, 0) {
		return nil, fmt.Errorf("lowpass: time constant must be > 0: %g", tau)
	}
	if order < 1 {
		return nil, fmt.Errorf("lowpass: order must be >= 1: %d", order)
	}

	c := &Cascade{
		tau:   tau,
		poles: make([]Pole, order),
	}
	for i := range c.poles {
		c.poles[i].SetAlpha(1)
	}

	return c, nil
}

// SetInterval re-derives the smoothing coefficient for a new sample
// interval. Pole memory is kept, so a source changing its timebase mid-run
// does not inject a discontinuity.
func (c *Cascade) SetInterval(interval float64) error {
	if interval <= 0 {
		return fmt.Errorf("lowpass: sample interval must be > 0: %g", interval)
	}
	if core.NearlyEqual(interval, c.interval, 0) {
		return nil
	}

	c.interval = interval
	a := Alpha(c.tau, interval)
	for i := range c.poles {
		c.poles[i].SetAlpha(a)
	}

	return nil
}

// ProcessSample cascades one input sample through all poles in order.
func (c *Cascade) ProcessSample(x float64) float64 {
	for i := range c.poles {
		x = c.poles[i].ProcessSample(x)
	}
	return x
}

// ProcessBlock filters a block in-place through the full cascade.
func (c *Cascade) ProcessBlock(buf []float64) {
	for i := range c.poles {
		c.poles[i].ProcessBlock(buf)
	}
}

// Output returns the most recent output of the final pole.
func (c *Cascade) Output() float64 {
	return c.poles[len(c.poles)-1].y
}

// Reset clears all pole memory. This is the only operation that zeroes
// filter state.
func (c *Cascade) Reset() {
	for i := range c.poles {
		c.poles[i].Reset()
	}
}

// Order returns the number of poles.
func (c *Cascade) Order() int {
	return len(c.poles)
}

// TimeConstant returns the configured shared time constant.
func (c *Cascade) TimeConstant() float64 {
	return c.tau
}
