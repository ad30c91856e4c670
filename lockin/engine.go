package lockin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/scope-lockin/scope"
)

// State identifies the engine lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Start while a run is active.
var ErrAlreadyRunning = errors.New("lockin: a run is already active")

// Counters is a snapshot of per-run observability counters. Recoverable
// errors are counted here and logged; they are never thrown across the run
// boundary.
type Counters struct {
	Blocks      uint64 // blocks demodulated
	Emitted     uint64 // measurements accepted by the sink
	Timeouts    uint64 // block waits that timed out
	Overflows   uint64 // acquisition overflows reported by the source
	Recoverable uint64 // total skipped ticks from recoverable errors
}

// Engine orchestrates lock-in runs against one waveform source and one
// measurement sink. All methods are safe for concurrent use.
type Engine struct {
	src  scope.Source
	sink Sink
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	lastErr  error
	lastGood float64
	runID    uuid.UUID

	wg sync.WaitGroup

	blocks      atomic.Uint64
	emitted     atomic.Uint64
	timeouts    atomic.Uint64
	overflows   atomic.Uint64
	recoverable atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New creates an engine bound to a source and a sink. The source is not
// opened until Start.
func New(src scope.Source, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		src:   src,
		sink:  sink,
		log:   slog.Default(),
		state: StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastError returns the error that moved the engine to StateFailed, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastGood returns the timestamp of the most recently emitted measurement
// of the current or last run, in seconds since its start.
func (e *Engine) LastGood() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastGood
}

// Counters returns a snapshot of the current run counters.
func (e *Engine) Counters() Counters {
	return Counters{
		Blocks:      e.blocks.Load(),
		Emitted:     e.emitted.Load(),
		Timeouts:    e.timeouts.Load(),
		Overflows:   e.overflows.Load(),
		Recoverable: e.recoverable.Load(),
	}
}

// Start validates cfg, acquires the source, and begins a fresh run with
// zeroed filter state and a new phase origin. It returns a *ConfigError
// before the source is touched when cfg is invalid, and ErrAlreadyRunning
// while a run is active. Start is accepted from Idle, Stopped and Failed.
func (e *Engine) Start(cfg RunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	if err := e.src.Open(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("lockin: open source: %w", err)
	}

	e.lastErr = nil
	e.lastGood = 0
	e.runID = uuid.New()
	e.blocks.Store(0)
	e.emitted.Store(0)
	e.timeouts.Store(0)
	e.overflows.Store(0)
	e.recoverable.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = StateRunning
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, cfg)
	return nil
}

// Stop cancels the active run and waits for it to wind down. The
// cancellation is observed before the next block pull or the next
// measurement emission, whichever comes first. Stopping a non-running
// engine is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	return nil
}

// run is the per-run acquisition goroutine.
func (e *Engine) run(ctx context.Context, cfg RunConfig) {
	defer e.wg.Done()

	log := e.log.With("run_id", e.runID.String())
	log.Info("run started",
		"frequency_hz", cfg.Reference.Frequency,
		"demod_frequency_hz", cfg.Reference.DemodFrequency(),
		"time_constant_s", cfg.TimeConstant,
		"filter_order", cfg.FilterOrder,
		"output_rate_hz", cfg.OutputRate,
		"track_reference", cfg.TrackReference)

	sink := e.sink
	var buffered *BufferedSink
	if cfg.SinkPolicy == SinkPolicyDropOldest {
		buffered = NewBufferedSink(e.sink, cfg.SinkBuffer)
		sink = buffered
	}

	st, runErr := newRunState(cfg)
	if runErr == nil {
		runErr = e.loop(ctx, cfg, st, sink, log)
	}

	if runErr == nil && cfg.FlushFinal && st.started && st.lastTime > st.lastEmit {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), time.Second)
		if err := e.emit(flushCtx, st, sink, st.lastTime, st.fi.Output(), st.fq.Output()); err != nil {
			log.Warn("final flush failed", "error", err)
		}
		flushCancel()
	}

	if buffered != nil {
		_ = buffered.Close()
		if n := buffered.Dropped(); n > 0 {
			log.Warn("measurements dropped under backpressure", "dropped", n)
		}
	}

	if err := e.src.Close(); err != nil {
		log.Warn("source close failed", "error", err)
	}

	e.mu.Lock()
	if runErr != nil {
		e.state = StateFailed
		e.lastErr = runErr
	} else {
		e.state = StateStopped
	}
	lastGood := e.lastGood
	e.mu.Unlock()

	if runErr != nil {
		log.Error("run failed", "error", runErr, "last_good_s", lastGood)
		return
	}
	log.Info("run stopped",
		"blocks", e.blocks.Load(),
		"emitted", e.emitted.Load(),
		"recoverable_errors", e.recoverable.Load())
}

// loop pulls and processes blocks until stop or failure. A nil return means
// a clean stop; any error is fatal to the run.
func (e *Engine) loop(ctx context.Context, cfg RunConfig, st *runState, sink Sink, log *slog.Logger) error {
	consecutive := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		blockCtx, cancel := context.WithTimeout(ctx, cfg.BlockTimeout)
		blk, err := e.src.NextBlock(blockCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil // stop observed while waiting
			}

			recoverable := false
			switch {
			case errors.Is(err, scope.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
				e.timeouts.Add(1)
				recoverable = true
			case errors.Is(err, scope.ErrOverflow):
				e.overflows.Add(1)
				recoverable = true
			}
			if !recoverable {
				return fmt.Errorf("source failed: %w", err)
			}

			e.recoverable.Add(1)
			consecutive++
			log.Warn("block skipped", "error", err, "consecutive", consecutive)
			if consecutive > cfg.RetryBudget {
				return fmt.Errorf("retry budget of %d exhausted: %w", cfg.RetryBudget, err)
			}
			continue
		}
		consecutive = 0

		if err := blk.Validate(); err != nil {
			return err
		}
		e.blocks.Add(1)

		if err := e.processBlock(ctx, st, sink, blk, log); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil // stop observed before emission
			}
			return err
		}
	}
}

// emit delivers one measurement and updates counters.
func (e *Engine) emit(ctx context.Context, st *runState, sink Sink, t, iF, qF float64) error {
	amplitude, phase := polar(iF, qF, st.scale)
	if st.track && (iF != 0 || qF != 0) {
		phase = wrapRelative(phase, st.refPhase, st.harmonic)
	}

	m := Measurement{
		Time:      t,
		Amplitude: amplitude,
		Phase:     phase,
		I:         iF,
		Q:         qF,
	}
	if err := sink.Accept(ctx, m); err != nil {
		return err
	}

	st.lastEmit = t
	e.emitted.Add(1)
	e.mu.Lock()
	e.lastGood = t
	e.mu.Unlock()
	return nil
}
