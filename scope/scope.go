// Package scope defines the waveform-source capability a lock-in run
// acquires samples through.
//
// A Source is a single-owner resource: it is opened for the duration of one
// run and closed on every exit path. Concrete instruments (Rigol SCPI
// scopes, sound cards, synthetic generators) live in subpackages and adapt
// to this interface.
package scope

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors a Source reports. Timeout and overflow are recoverable at
// the run level; unavailable and disconnected are not.
var (
	ErrUnavailable  = errors.New("scope: source unavailable")
	ErrTimeout      = errors.New("scope: timed out waiting for block")
	ErrDisconnected = errors.New("scope: source disconnected")
	ErrOverflow     = errors.New("scope: acquisition overflow")
)

// Block is one acquired waveform segment. It is owned exclusively by the
// consumer for the duration of one processing step, then discarded.
type Block struct {
	Data     []float64 // signal-channel samples, volts
	Ref      []float64 // optional reference-channel samples, same timebase
	Interval float64   // seconds between samples, > 0
	Start    float64   // start time on the source's timebase, seconds
}

// Validate checks the block invariants: a positive sample interval, at
// least one sample, and a reference channel (when present) matching the
// signal channel in length.
func (b Block) Validate() error {
	if b.Interval <= 0 {
		return fmt.Errorf("scope: block interval must be > 0: %g", b.Interval)
	}
	if len(b.Data) == 0 {
		return errors.New("scope: block must not be empty")
	}
	if len(b.Ref) > 0 && len(b.Ref) != len(b.Data) {
		return fmt.Errorf("scope: reference channel length %d != signal length %d", len(b.Ref), len(b.Data))
	}
	return nil
}

// Duration returns the time span covered by the block.
func (b Block) Duration() float64 {
	return float64(len(b.Data)) * b.Interval
}

// End returns the timestamp one interval past the last sample.
func (b Block) End() float64 {
	return b.Start + b.Duration()
}

// Source delivers timestamped sample blocks from an instrument.
//
// NextBlock blocks until a segment is available, the context is done, or the
// source fails. It returns ErrTimeout or ErrOverflow for conditions a run
// can skip past, and ErrDisconnected when the instrument is gone for good.
// Implementations must return promptly once ctx is cancelled.
type Source interface {
	Open() error
	NextBlock(ctx context.Context) (Block, error)
	Close() error
}
