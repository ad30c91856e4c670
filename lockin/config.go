package lockin

import (
	"fmt"
	"time"

	"github.com/cwbudde/scope-lockin/dsp/reference"
)

// SinkPolicy selects how the engine responds to sink backpressure.
type SinkPolicy int

const (
	// SinkPolicyBlock suspends the acquisition loop until the sink accepts
	// the measurement. Nothing is ever dropped.
	SinkPolicyBlock SinkPolicy = iota

	// SinkPolicyDropOldest decouples the loop from the sink through a
	// bounded buffer that discards the oldest queued measurement when
	// full. Losses are counted and reported, never silent.
	SinkPolicyDropOldest
)

// Defaults applied by Start for zero-valued optional fields.
const (
	DefaultBlockTimeout = 5 * time.Second
	DefaultRetryBudget  = 5
	DefaultSinkBuffer   = 64
	DefaultFilterOrder  = 1
)

// RunConfig fully describes one acquisition run. The zero value is invalid;
// at minimum Reference.Frequency, TimeConstant and OutputRate must be set.
type RunConfig struct {
	// Reference is the demodulation reference model.
	Reference reference.Spec

	// TimeConstant is the low-pass filter time constant τ in seconds.
	TimeConstant float64

	// FilterOrder is the number of cascaded low-pass poles. Zero selects
	// DefaultFilterOrder.
	FilterOrder int

	// OutputRate is the target measurement rate in ticks per second. The
	// engine never emits more than one measurement per filter update.
	OutputRate float64

	// Calibration is a uniform scale applied to amplitudes (probe
	// attenuation, reference normalization). Zero selects 1.
	Calibration float64

	// BlockTimeout bounds the wait for each sample block. Zero selects
	// DefaultBlockTimeout.
	BlockTimeout time.Duration

	// RetryBudget is how many consecutive recoverable source errors are
	// tolerated before the run fails. Zero selects DefaultRetryBudget.
	RetryBudget int

	// TrackReference demodulates at the measured frequency of the block's
	// reference channel instead of the configured nominal frequency, and
	// reports phase relative to that channel. Blocks without reference
	// data fall back to the configured frequency.
	TrackReference bool

	// SinkPolicy fixes the backpressure behavior for the whole run.
	SinkPolicy SinkPolicy

	// SinkBuffer is the bounded buffer size for SinkPolicyDropOldest.
	// Zero selects DefaultSinkBuffer.
	SinkBuffer int

	// FlushFinal emits the settled filter state as one last measurement
	// when the run is stopped cleanly.
	FlushFinal bool
}

// DefaultRunConfig returns a RunConfig with all optional knobs at their
// defaults. Reference, TimeConstant and OutputRate still must be filled in.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		FilterOrder:  DefaultFilterOrder,
		Calibration:  1,
		BlockTimeout: DefaultBlockTimeout,
		RetryBudget:  DefaultRetryBudget,
		SinkBuffer:   DefaultSinkBuffer,
		FlushFinal:   true,
	}
}

// ConfigError reports an invalid RunConfig field. Start rejects the config
// before any sample block is requested.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("lockin: invalid config: %s %s", e.Field, e.Reason)
}

// Validate checks all RunConfig invariants.
func (c RunConfig) Validate() error {
	if err := c.Reference.Validate(); err != nil {
		return &ConfigError{Field: "Reference", Reason: err.Error()}
	}
	if c.TimeConstant <= 0 {
		return &ConfigError{Field: "TimeConstant", Reason: fmt.Sprintf("must be > 0: %g", c.TimeConstant)}
	}
	if c.OutputRate <= 0 {
		return &ConfigError{Field: "OutputRate", Reason: fmt.Sprintf("must be > 0: %g", c.OutputRate)}
	}
	if c.FilterOrder < 0 {
		return &ConfigError{Field: "FilterOrder", Reason: fmt.Sprintf("must be >= 1: %d", c.FilterOrder)}
	}
	if c.Calibration < 0 {
		return &ConfigError{Field: "Calibration", Reason: fmt.Sprintf("must be >= 0: %g", c.Calibration)}
	}
	if c.BlockTimeout < 0 {
		return &ConfigError{Field: "BlockTimeout", Reason: fmt.Sprintf("must be >= 0: %s", c.BlockTimeout)}
	}
	if c.RetryBudget < 0 {
		return &ConfigError{Field: "RetryBudget", Reason: fmt.Sprintf("must be >= 0: %d", c.RetryBudget)}
	}
	if c.SinkPolicy != SinkPolicyBlock && c.SinkPolicy != SinkPolicyDropOldest {
		return &ConfigError{Field: "SinkPolicy", Reason: fmt.Sprintf("unknown policy: %d", c.SinkPolicy)}
	}
	if c.SinkBuffer < 0 {
		return &ConfigError{Field: "SinkBuffer", Reason: fmt.Sprintf("must be >= 0: %d", c.SinkBuffer)}
	}
	return nil
}

// withDefaults fills zero-valued optional fields.
func (c RunConfig) withDefaults() RunConfig {
	if c.FilterOrder == 0 {
		c.FilterOrder = DefaultFilterOrder
	}
	if c.Calibration == 0 {
		c.Calibration = 1
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.SinkBuffer == 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	return c
}
