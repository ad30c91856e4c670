package lockin

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/scope-lockin/dsp/core"
	"github.com/cwbudde/scope-lockin/dsp/demod"
	"github.com/cwbudde/scope-lockin/dsp/lowpass"
	"github.com/cwbudde/scope-lockin/dsp/reference"
	"github.com/cwbudde/scope-lockin/measure/freq"
	"github.com/cwbudde/scope-lockin/scope"
)

// runState carries the per-run demodulation state between blocks.
type runState struct {
	spec       reference.Spec
	fi, fq     *lowpass.Cascade
	scale      float64
	tickPeriod float64
	harmonic   float64
	track      bool

	cosBuf, sinBuf []float64
	iBuf, qBuf     []float64

	started  bool
	origin   float64
	nextTick float64
	lastTime float64
	lastEmit float64
	refPhase float64
}

func newRunState(cfg RunConfig) (*runState, error) {
	fi, err := lowpass.NewCascade(cfg.TimeConstant, cfg.FilterOrder)
	if err != nil {
		return nil, err
	}
	fq, err := lowpass.NewCascade(cfg.TimeConstant, cfg.FilterOrder)
	if err != nil {
		return nil, err
	}
	harmonic := 1.0
	if cfg.Reference.Harmonic > 1 {
		harmonic = float64(cfg.Reference.Harmonic)
	}
	return &runState{
		spec:       cfg.Reference,
		fi:         fi,
		fq:         fq,
		scale:      2 * cfg.Calibration,
		tickPeriod: 1 / cfg.OutputRate,
		harmonic:   harmonic,
		track:      cfg.TrackReference,
		lastEmit:   math.Inf(-1),
	}, nil
}

// processBlock demodulates one waveform block, advances both low-pass
// cascades sample by sample, and emits a measurement whenever the elapsed
// time crosses an output tick.
func (e *Engine) processBlock(ctx context.Context, st *runState, sink Sink, blk scope.Block, log *slog.Logger) error {
	if !st.started {
		st.started = true
		st.origin = blk.Start
		st.nextTick = st.tickPeriod
	}
	elapsed := blk.Start - st.origin

	n := len(blk.Data)
	st.cosBuf = core.EnsureLen(st.cosBuf, n)
	st.sinBuf = core.EnsureLen(st.sinBuf, n)
	st.iBuf = core.EnsureLen(st.iBuf, n)
	st.qBuf = core.EnsureLen(st.qBuf, n)

	spec := st.spec
	track := st.track && len(blk.Ref) > 0
	if track {
		peak, err := freq.Estimate(blk.Ref, freq.Config{SampleRate: 1 / blk.Interval})
		if err != nil {
			log.Warn("reference frequency estimate failed, using configured frequency",
				"error", err, "frequency_hz", spec.Frequency)
		} else {
			spec.Frequency = peak.Frequency
		}
	}

	if err := reference.Generate(st.cosBuf, st.sinBuf, spec, elapsed, blk.Interval); err != nil {
		return fmt.Errorf("reference generation: %w", err)
	}
	if err := demod.Mix(st.iBuf, st.qBuf, blk.Data, st.cosBuf, st.sinBuf); err != nil {
		return err
	}

	if track {
		st.refPhase = measureRefPhase(st, spec, blk, elapsed)
	}

	if err := st.fi.SetInterval(blk.Interval); err != nil {
		return err
	}
	if err := st.fq.SetInterval(blk.Interval); err != nil {
		return err
	}

	for i := 0; i < n; i++ {
		iF := st.fi.ProcessSample(st.iBuf[i])
		qF := st.fq.ProcessSample(st.qBuf[i])
		t := elapsed + float64(i+1)*blk.Interval
		st.lastTime = t

		if t+1e-12 >= st.nextTick {
			if err := e.emit(ctx, st, sink, t, iF, qF); err != nil {
				return err
			}
			st.nextTick += st.tickPeriod
		}
	}
	return nil
}

// measureRefPhase estimates the phase of the reference channel at the block
// origin by demodulating it against the fundamental quadrature pair. The
// cos/sin buffers already hold that pair, so the mean products give the
// reference I/Q directly.
func measureRefPhase(st *runState, spec reference.Spec, blk scope.Block, elapsed float64) float64 {
	fundamental := spec
	fundamental.Harmonic = 1
	fundamental.Phase = 0
	if err := reference.Generate(st.cosBuf, st.sinBuf, fundamental, elapsed, blk.Interval); err != nil {
		return st.refPhase
	}

	var sumI, sumQ float64
	for i, r := range blk.Ref {
		sumI += r * st.cosBuf[i]
		sumQ += r * st.sinBuf[i]
	}
	if sumI == 0 && sumQ == 0 {
		return st.refPhase
	}
	return math.Atan2(-sumQ, sumI)
}

// wrapRelative subtracts the scaled reference phase and re-wraps the result.
func wrapRelative(phase, refPhase, harmonic float64) float64 {
	return core.WrapPhase(phase - harmonic*refPhase)
}
