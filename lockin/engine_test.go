package lockin

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/scope-lockin/dsp/core"
	"github.com/cwbudde/scope-lockin/dsp/reference"
	"github.com/cwbudde/scope-lockin/scope"
	"github.com/cwbudde/scope-lockin/scope/sim"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// collect reads n measurements from the sink channel, failing the test if
// the run does not produce them in time.
func collect(t *testing.T, ch chan Measurement, n int) []Measurement {
	t.Helper()

	out := make([]Measurement, 0, n)
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-deadline:
			t.Fatalf("timed out after %d of %d measurements", len(out), n)
		}
	}
	return out
}

// waitForState polls until the engine leaves StateRunning.
func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s := e.State(); s == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine state = %v, want %v", e.State(), want)
}

func TestEngineConvergence(t *testing.T) {
	const (
		freq      = 1000.0
		amplitude = 2.0
		phase     = math.Pi / 4
		tau       = 0.1
	)

	src := sim.New(freq,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithAmplitude(amplitude), sim.WithPhase(phase))
	sink := NewChannelSink(16)

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: freq}
	cfg.TimeConstant = tau
	cfg.OutputRate = 10
	cfg.FlushFinal = false

	e := New(src, sink)
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One simulated second: the filter has settled to within 1e-4 of the
	// true amplitude by the tenth tick.
	ms := collect(t, sink.C, 10)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for i := 1; i < len(ms); i++ {
		if ms[i].Time <= ms[i-1].Time {
			t.Fatalf("timestamps not strictly increasing: %g then %g", ms[i-1].Time, ms[i].Time)
		}
	}
	if !almostEqual(ms[0].Time, 0.1, 1e-6) {
		t.Errorf("first tick at %g s, want 0.1 s", ms[0].Time)
	}

	last := ms[len(ms)-1]
	if !almostEqual(last.Amplitude, amplitude, 0.05*amplitude) {
		t.Errorf("settled amplitude = %g, want %g within 5%%", last.Amplitude, amplitude)
	}
	if !almostEqual(last.Phase, phase, 0.05) {
		t.Errorf("settled phase = %g, want %g", last.Phase, phase)
	}

	c := e.Counters()
	if c.Emitted < 10 {
		t.Errorf("emitted counter = %d, want >= 10", c.Emitted)
	}
	if c.Recoverable != 0 {
		t.Errorf("recoverable counter = %d, want 0", c.Recoverable)
	}
	if got := e.LastGood(); got < ms[len(ms)-1].Time {
		t.Errorf("LastGood = %g, want >= %g", got, ms[len(ms)-1].Time)
	}
}

func TestEngineCalibrationScalesAmplitude(t *testing.T) {
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithAmplitude(1))
	sink := NewChannelSink(16)

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.Calibration = 10 // e.g. a 10x probe
	cfg.FlushFinal = false

	e := New(src, sink)
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ms := collect(t, sink.C, 10)
	_ = e.Stop()

	last := ms[len(ms)-1]
	if !almostEqual(last.Amplitude, 10, 0.5) {
		t.Errorf("calibrated amplitude = %g, want 10", last.Amplitude)
	}
}

func TestEngineConfigErrorBeforeSourceTouched(t *testing.T) {
	src := sim.New(1000, nil)
	e := New(src, NewChannelSink(1))

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0 // invalid
	cfg.OutputRate = 10

	err := e.Start(cfg)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Start error = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "TimeConstant" {
		t.Errorf("ConfigError.Field = %q, want TimeConstant", cfgErr.Field)
	}
	if got := src.BlocksDelivered(); got != 0 {
		t.Errorf("source delivered %d blocks before rejection, want 0", got)
	}
	if e.State() != StateIdle {
		t.Errorf("state = %v, want idle", e.State())
	}

	// The source was never opened, so it is still free.
	if err := src.Open(); err != nil {
		t.Errorf("source left held after rejected Start: %v", err)
	}
}

func TestEngineAlreadyRunning(t *testing.T) {
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithDelay(time.Millisecond))
	e := New(src, NewChannelSink(64))

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.1
	cfg.OutputRate = 10

	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop() //nolint:errcheck

	if err := e.Start(cfg); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestEngineRestartStartsFresh(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.FlushFinal = false

	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithAmplitude(1))
	sink := NewChannelSink(64)
	e := New(src, sink)

	if err := e.Start(cfg); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first := collect(t, sink.C, 5)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForState(t, e, StateStopped)
	for len(sink.C) > 0 { // drain leftovers from the first run
		<-sink.C
	}

	if err := e.Start(cfg); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	second := collect(t, sink.C, 5)
	_ = e.Stop()

	// A restart re-arms the time origin: ticks begin at the first output
	// period again rather than continuing the previous run's timeline.
	if !almostEqual(second[0].Time, first[0].Time, 1e-6) {
		t.Errorf("restarted run first tick at %g s, want %g s", second[0].Time, first[0].Time)
	}
}

func TestEngineSkipsRecoverableFaults(t *testing.T) {
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithAmplitude(1),
		sim.WithFaults(map[int]error{2: scope.ErrTimeout, 5: scope.ErrOverflow}))
	sink := NewChannelSink(64)

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.FlushFinal = false

	e := New(src, sink)
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ms := collect(t, sink.C, 10)
	_ = e.Stop()

	for i := 1; i < len(ms); i++ {
		if ms[i].Time <= ms[i-1].Time {
			t.Fatalf("timestamps not strictly increasing across faults: %g then %g",
				ms[i-1].Time, ms[i].Time)
		}
	}

	c := e.Counters()
	if c.Timeouts != 1 || c.Overflows != 1 || c.Recoverable != 2 {
		t.Errorf("counters = %+v, want 1 timeout, 1 overflow, 2 recoverable", c)
	}
	if e.State() != StateStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}
	if e.LastError() != nil {
		t.Errorf("LastError = %v, want nil after recoverable-only run", e.LastError())
	}
}

// A dropped block freezes the filter for that block's duration. It must
// never reset state or inject a step larger than the settling one block of
// input contributes.
func TestEngineDroppedBlockKeepsFilterState(t *testing.T) {
	const (
		freq     = 1000.0
		amp      = 2.0
		tau      = 0.05
		blockDur = 0.01 // 1000 samples at 100 kHz
		ticks    = 8
	)

	run := func(faults map[int]error) []Measurement {
		src := sim.New(freq,
			[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
			sim.WithAmplitude(amp), sim.WithFaults(faults))
		sink := NewChannelSink(16)

		cfg := DefaultRunConfig()
		cfg.Reference = reference.Spec{Frequency: freq}
		cfg.TimeConstant = tau
		cfg.OutputRate = 100
		cfg.FlushFinal = false

		e := New(src, sink)
		if err := e.Start(cfg); err != nil {
			t.Fatalf("Start: %v", err)
		}
		ms := collect(t, sink.C, ticks)
		if err := e.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		return ms
	}

	clean := run(nil)
	faulted := run(map[int]error{2: scope.ErrTimeout})

	// The largest discontinuity a single dropped block may cause: what
	// that block's input would have moved the settled-toward value.
	maxStep := amp * (1 - math.Exp(-blockDur/tau))

	for k := range clean {
		// The tick inside the gap fires on the next block's first
		// sample, at most one sample interval late.
		if !almostEqual(clean[k].Time, faulted[k].Time, 1.1e-5) {
			t.Fatalf("tick %d at %g s vs %g s, want aligned within one sample",
				k, clean[k].Time, faulted[k].Time)
		}
		diff := math.Abs(clean[k].Amplitude - faulted[k].Amplitude)
		if diff > maxStep {
			t.Errorf("tick %d: divergence %g exceeds one filter step %g",
				k, diff, maxStep)
		}
	}

	// Identical streams until the fault.
	if !almostEqual(clean[1].Amplitude, faulted[1].Amplitude, 1e-9) {
		t.Errorf("pre-fault amplitudes differ: %g vs %g",
			clean[1].Amplitude, faulted[1].Amplitude)
	}

	// A state reset would send the settling trajectory back toward zero;
	// a frozen filter keeps climbing once blocks resume.
	for k := 1; k < len(faulted); k++ {
		if faulted[k].Amplitude < faulted[k-1].Amplitude-0.01 {
			t.Errorf("amplitude fell across the gap: %g then %g",
				faulted[k-1].Amplitude, faulted[k].Amplitude)
		}
	}

	// The lag from the gap decays instead of persisting.
	lagAtFault := math.Abs(clean[2].Amplitude - faulted[2].Amplitude)
	lagAtEnd := math.Abs(clean[ticks-1].Amplitude - faulted[ticks-1].Amplitude)
	if lagAtEnd >= lagAtFault {
		t.Errorf("lag did not decay: %g at the gap, %g at the end", lagAtFault, lagAtEnd)
	}
}

func TestEngineLogsDemodFrequency(t *testing.T) {
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)})
	sink := NewChannelSink(16)

	var buf bytes.Buffer
	e := New(src, sink, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	cfg := DefaultRunConfig()
	// Harmonic left zero: the fundamental default.
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.FlushFinal = false

	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(t, sink.C, 1)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if out := buf.String(); !strings.Contains(out, "demod_frequency_hz=1000") {
		t.Errorf("run log should report the effective demodulation frequency, got %q", out)
	}
}

func TestEngineFailsOnDisconnect(t *testing.T) {
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithFaults(map[int]error{3: scope.ErrDisconnected}))
	e := New(src, NewChannelSink(64))

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10

	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateFailed)

	if err := e.LastError(); !errors.Is(err, scope.ErrDisconnected) {
		t.Errorf("LastError = %v, want ErrDisconnected", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop after failure: %v", err)
	}

	// The failed run released the source.
	if err := src.Open(); err != nil {
		t.Errorf("source still held after failed run: %v", err)
	}
}

func TestEngineRetryBudgetExhausted(t *testing.T) {
	faults := make(map[int]error)
	for i := 0; i < 10; i++ {
		faults[i] = scope.ErrTimeout
	}
	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithFaults(faults))
	e := New(src, NewChannelSink(64))

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.RetryBudget = 3

	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, e, StateFailed)

	if err := e.LastError(); !errors.Is(err, scope.ErrTimeout) {
		t.Errorf("LastError = %v, want ErrTimeout", err)
	}
	if got := e.Counters().Recoverable; got != 4 {
		t.Errorf("recoverable counter = %d, want 4 (budget of 3 plus the failing attempt)", got)
	}
}

func TestEngineFlushFinal(t *testing.T) {
	run := func(t *testing.T, flush bool) []Measurement {
		t.Helper()

		src := sim.New(1000,
			[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
			sim.WithAmplitude(1), sim.WithDelay(5*time.Millisecond))
		sink := NewChannelSink(16)

		cfg := DefaultRunConfig()
		cfg.Reference = reference.Spec{Frequency: 1000}
		cfg.TimeConstant = 0.05
		cfg.OutputRate = 0.01 // first tick far beyond the run
		cfg.FlushFinal = flush

		e := New(src, sink)
		if err := e.Start(cfg); err != nil {
			t.Fatalf("Start: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		if err := e.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		var out []Measurement
		for len(sink.C) > 0 {
			out = append(out, <-sink.C)
		}
		return out
	}

	t.Run("enabled", func(t *testing.T) {
		ms := run(t, true)
		if len(ms) != 1 {
			t.Fatalf("got %d measurements, want exactly the final flush", len(ms))
		}
		if ms[0].Time <= 0 {
			t.Errorf("flushed timestamp = %g, want > 0", ms[0].Time)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		if ms := run(t, false); len(ms) != 0 {
			t.Fatalf("got %d measurements, want none before the first tick", len(ms))
		}
	})
}

func TestEngineTrackReference(t *testing.T) {
	const (
		actualFreq  = 1000.0 // bin-centered for a 1024-point transform
		signalPhase = 0.6
	)

	src := sim.New(actualFreq,
		[]core.AcquireOption{core.WithSampleRate(102400), core.WithBlockSize(1024)},
		sim.WithAmplitude(1.5),
		sim.WithPhase(signalPhase),
		sim.WithReferenceChannel(1))
	sink := NewChannelSink(64)

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 980} // deliberately off
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 10
	cfg.TrackReference = true
	cfg.FlushFinal = false

	e := New(src, sink)
	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ms := collect(t, sink.C, 10)
	_ = e.Stop()

	last := ms[len(ms)-1]
	if !almostEqual(last.Amplitude, 1.5, 0.075) {
		t.Errorf("tracked amplitude = %g, want 1.5 within 5%%", last.Amplitude)
	}
	if !almostEqual(last.Phase, signalPhase, 0.05) {
		t.Errorf("tracked phase = %g, want %g relative to the reference channel",
			last.Phase, signalPhase)
	}
}

func TestEngineDropOldestPolicy(t *testing.T) {
	// An inner sink that stalls until released, forcing the bounded queue
	// to drop while the acquisition loop keeps running.
	release := make(chan struct{})
	var got []Measurement
	slow := SinkFunc(func(ctx context.Context, m Measurement) error {
		<-release
		got = append(got, m)
		return nil
	})

	src := sim.New(1000,
		[]core.AcquireOption{core.WithSampleRate(100e3), core.WithBlockSize(1000)},
		sim.WithAmplitude(1))
	e := New(src, slow)

	cfg := DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: 1000}
	cfg.TimeConstant = 0.05
	cfg.OutputRate = 100
	cfg.SinkPolicy = SinkPolicyDropOldest
	cfg.SinkBuffer = 4
	cfg.FlushFinal = false

	if err := e.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the fast producer outrun the stalled sink, then release it.
	deadline := time.Now().Add(10 * time.Second)
	for e.Counters().Emitted < 100 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(got) == 0 {
		t.Fatal("inner sink received nothing")
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time <= got[i-1].Time {
			t.Fatalf("delivery out of order: %g then %g", got[i-1].Time, got[i].Time)
		}
	}
	if uint64(len(got)) >= e.Counters().Emitted {
		t.Errorf("inner sink got %d of %d emitted, expected drops under stall",
			len(got), e.Counters().Emitted)
	}
}
