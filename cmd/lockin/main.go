// Command lockin runs a software lock-in amplifier against an
// oscilloscope, a sound card, or a synthetic source, and writes the
// demodulated amplitude/phase series as CSV.
//
// Examples:
//
//	lockin -freq 1000 -tau 0.1 -duration 5
//	lockin -source rigol -conn "TCPIP::192.168.1.40::inst0::INSTR" -freq 1000 -tau 0.3 -track
//	lockin -source audio -sample-rate 48000 -stereo -freq 440 -tau 0.05 -o out.csv
//	lockin -freq 1000 -tau 0.1 -mqtt localhost:1883 -mqtt-topic lab/lockin
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/cwbudde/scope-lockin/dsp/core"
	"github.com/cwbudde/scope-lockin/dsp/reference"
	"github.com/cwbudde/scope-lockin/export"
	"github.com/cwbudde/scope-lockin/internal/units"
	"github.com/cwbudde/scope-lockin/lockin"
	"github.com/cwbudde/scope-lockin/scope"
	"github.com/cwbudde/scope-lockin/scope/audio"
	"github.com/cwbudde/scope-lockin/scope/rigol"
	"github.com/cwbudde/scope-lockin/scope/sim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lockin:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		source   = flag.String("source", "sim", "waveform source: sim, rigol or audio")
		duration = flag.Duration("duration", 10*time.Second, "run duration; 0 runs until interrupted")
		output   = flag.String("o", "", "CSV output file; default stdout")
		verbose  = flag.Bool("v", false, "debug logging")

		freq        = flag.Float64("freq", 1000, "reference frequency in Hz")
		harmonic    = flag.Int("harmonic", 1, "demodulation harmonic")
		tau         = flag.Float64("tau", 0.1, "filter time constant in seconds")
		order       = flag.Int("order", lockin.DefaultFilterOrder, "filter order (cascaded poles)")
		rate        = flag.Float64("rate", 10, "output rate in measurements per second")
		calibration = flag.Float64("calibration", 1, "amplitude calibration factor")
		track       = flag.Bool("track", false, "track the reference channel's measured frequency and phase")

		sampleRate = flag.Float64("sample-rate", 48000, "sample rate in Hz (sim and audio)")
		blockSize  = flag.Int("block-size", 4096, "samples per block (sim and audio)")

		amplitude = flag.Float64("amplitude", 1, "sim: stimulus amplitude in volts")
		phase     = flag.Float64("phase", 0, "sim: stimulus phase in radians")
		noise     = flag.Float64("noise", 0, "sim: peak noise amplitude in volts")

		conn       = flag.String("conn", "", "rigol: VISA resource string")
		serialDev  = flag.String("serial", "", "rigol: serial device, used instead of -conn")
		serialBaud = flag.Int("baud", 115200, "rigol: serial baud rate")
		signalChan = flag.Int("signal-chan", 2, "rigol: signal channel")
		refChan    = flag.Int("ref-chan", 1, "rigol: reference channel; 0 disables")
		depth      = flag.Int("depth", 6000, "rigol: memory depth per capture")

		device = flag.String("device", "", "audio: capture device name substring")
		stereo = flag.Bool("stereo", false, "audio: stereo capture with reference on the right channel")

		mqttBroker = flag.String("mqtt", "", "publish measurements to this MQTT broker (host:port)")
		mqttTopic  = flag.String("mqtt-topic", "lockin/measurements", "MQTT topic")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	coreOpts := []core.AcquireOption{
		core.WithSampleRate(*sampleRate),
		core.WithBlockSize(*blockSize),
	}

	var src scope.Source
	switch *source {
	case "sim":
		src = sim.New(*freq, coreOpts,
			sim.WithAmplitude(*amplitude),
			sim.WithPhase(*phase),
			sim.WithNoise(*noise, time.Now().UnixNano()),
			sim.WithReferenceChannel(1),
		)
	case "rigol":
		var dial rigol.Dialer
		switch {
		case *serialDev != "":
			dial = rigol.Serial(*serialDev, *serialBaud)
		case *conn != "":
			dial = rigol.VISA(*conn)
		default:
			return fmt.Errorf("source rigol needs -conn or -serial")
		}
		src = rigol.New(dial,
			rigol.WithChannels(*signalChan, *refChan),
			rigol.WithMemoryDepth(*depth),
			rigol.WithLogger(log))
	case "audio":
		audioOpts := []audio.Option{audio.WithLogger(log)}
		if *device != "" {
			audioOpts = append(audioOpts, audio.WithDevice(*device))
		}
		if *stereo {
			audioOpts = append(audioOpts, audio.WithStereoReference())
		}
		src = audio.New(coreOpts, audioOpts...)
	default:
		return fmt.Errorf("unknown source %q", *source)
	}

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		out = f
	}
	csvSink := export.NewCSVSink(out)
	defer csvSink.Close() //nolint:errcheck

	sinks := []lockin.Sink{csvSink}
	if *mqttBroker != "" {
		mqttSink, err := export.NewMQTTSink(export.MQTTConfig{
			Broker:   *mqttBroker,
			ClientID: "lockin-cli",
			Topic:    *mqttTopic,
		}, log)
		if err != nil {
			return err
		}
		defer mqttSink.Close() //nolint:errcheck
		sinks = append(sinks, mqttSink)
	}

	last := &lastSink{inner: tee(sinks)}

	cfg := lockin.DefaultRunConfig()
	cfg.Reference = reference.Spec{Frequency: *freq, Harmonic: *harmonic}
	cfg.TimeConstant = *tau
	cfg.FilterOrder = *order
	cfg.OutputRate = *rate
	cfg.Calibration = *calibration
	cfg.TrackReference = *track

	engine := lockin.New(src, last, lockin.WithLogger(log))
	if err := engine.Start(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*duration):
		}
	} else {
		<-ctx.Done()
	}

	if err := engine.Stop(); err != nil {
		return err
	}
	if engine.State() == lockin.StateFailed {
		return engine.LastError()
	}

	c := engine.Counters()
	m, ok := last.get()
	if !ok {
		log.Warn("run produced no measurements", "blocks", c.Blocks)
		return nil
	}
	log.Info("run summary",
		"measurements", c.Emitted,
		"blocks", c.Blocks,
		"recoverable_errors", c.Recoverable,
		"amplitude", units.FormatSI(m.Amplitude, "V"),
		"phase_deg", fmt.Sprintf("%.2f", m.Phase*180/math.Pi))
	return nil
}

// tee fans one measurement out to every sink, returning the first error.
func tee(sinks []lockin.Sink) lockin.Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return lockin.SinkFunc(func(ctx context.Context, m lockin.Measurement) error {
		var first error
		for _, s := range sinks {
			if err := s.Accept(ctx, m); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// lastSink remembers the most recent measurement for the summary line.
type lastSink struct {
	inner lockin.Sink

	mu   sync.Mutex
	last lockin.Measurement
	seen bool
}

func (s *lastSink) Accept(ctx context.Context, m lockin.Measurement) error {
	s.mu.Lock()
	s.last = m
	s.seen = true
	s.mu.Unlock()
	return s.inner.Accept(ctx, m)
}

func (s *lastSink) get() (lockin.Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.seen
}
