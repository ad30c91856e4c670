// Package sim provides a deterministic synthetic waveform source for tests
// and demos: a sinusoid of known amplitude and phase, optionally buried in
// noise, with injectable per-block faults.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cwbudde/scope-lockin/dsp/core"
	"github.com/cwbudde/scope-lockin/scope"
)

// Source generates sinusoidal sample blocks on demand.
type Source struct {
	cfg       core.AcquireConfig
	amplitude float64
	phase     float64
	noise     float64
	seed      int64
	refAmp    float64
	delay     time.Duration
	faults    map[int]error

	freq float64

	mu     sync.Mutex
	rng    *rand.Rand
	opened bool
	index  int   // block counter, advances on faults too
	pos    int64 // absolute sample position
}

// Option configures a Source.
type Option func(*Source)

// WithAmplitude sets the signal amplitude in volts. Default 1.
func WithAmplitude(a float64) Option {
	return func(s *Source) { s.amplitude = a }
}

// WithPhase sets the signal phase in radians relative to the reference.
func WithPhase(phi float64) Option {
	return func(s *Source) { s.phase = phi }
}

// WithNoise adds uniform white noise of the given peak amplitude,
// deterministic for a fixed seed.
func WithNoise(amplitude float64, seed int64) Option {
	return func(s *Source) {
		s.noise = amplitude
		s.seed = seed
	}
}

// WithReferenceChannel makes blocks carry a clean reference-channel copy of
// the stimulus at the given amplitude.
func WithReferenceChannel(amplitude float64) Option {
	return func(s *Source) { s.refAmp = amplitude }
}

// WithDelay makes every NextBlock call take at least d, to exercise timeout
// handling.
func WithDelay(d time.Duration) Option {
	return func(s *Source) { s.delay = d }
}

// WithFaults injects errors: block index n fails with the mapped error.
// The failed segment's acquisition time still elapses, as it would on a
// real instrument.
func WithFaults(faults map[int]error) Option {
	return func(s *Source) { s.faults = faults }
}

// New creates a synthetic source producing A·cos(2πf·t + φ).
func New(freq float64, coreOpts []core.AcquireOption, opts ...Option) *Source {
	s := &Source{
		cfg:       core.ApplyAcquireOptions(coreOpts...),
		amplitude: 1,
		seed:      1,
		freq:      freq,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open marks the source acquired. A Source is single-owner: Open fails while
// it is already held.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return scope.ErrUnavailable
	}
	s.opened = true
	s.rng = rand.New(rand.NewSource(s.seed))
	s.index = 0
	s.pos = 0
	return nil
}

// NextBlock produces the next contiguous block of the stimulus.
func (s *Source) NextBlock(ctx context.Context) (scope.Block, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scope.Block{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return scope.Block{}, scope.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return scope.Block{}, err
	}

	interval := 1 / s.cfg.SampleRate
	n := s.cfg.BlockSize

	if err, ok := s.faults[s.index]; ok {
		s.index++
		s.pos += int64(n)
		return scope.Block{}, err
	}

	blk := scope.Block{
		Data:     make([]float64, n),
		Interval: interval,
		Start:    float64(s.pos) * interval,
	}
	if s.refAmp != 0 {
		blk.Ref = make([]float64, n)
	}

	omega := 2 * math.Pi * s.freq
	for i := 0; i < n; i++ {
		t := float64(s.pos+int64(i)) * interval
		v := s.amplitude * math.Cos(omega*t+s.phase)
		if s.noise != 0 {
			v += s.noise * (s.rng.Float64()*2 - 1)
		}
		blk.Data[i] = v
		if blk.Ref != nil {
			blk.Ref[i] = s.refAmp * math.Cos(omega*t)
		}
	}

	s.index++
	s.pos += int64(n)
	return blk, nil
}

// BlocksDelivered returns how many NextBlock calls have completed,
// including faulted ones.
func (s *Source) BlocksDelivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Close releases the source for reacquisition.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}
