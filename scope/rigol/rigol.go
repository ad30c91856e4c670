// Package rigol adapts Rigol DS1000Z-series oscilloscopes to the scope
// Source interface over SCPI.
//
// Each NextBlock arms a single-shot trigger, waits for the capture to stop,
// and reads the selected channels out of acquisition memory in batches.
// Captures are separated by instrument dead time, so block start times
// count acquired samples only; runs against this source should demodulate
// against a reference channel (TrackReference) rather than trust absolute
// phase across captures.
package rigol

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cwbudde/scope-lockin/scope"
)

// emptyMemoryYRef is the YREFerence value the instrument reports when the
// acquisition memory holds no data.
const emptyMemoryYRef = 4294967295

const (
	defaultMemoryDepth  = 6000
	defaultBatchSize    = 125000 // instrument maximum per :WAV:DATA? read
	defaultPollInterval = 100 * time.Millisecond
	defaultBaud         = 115200
)

// Source acquires waveform blocks from a DS1000Z oscilloscope.
type Source struct {
	dial Dialer
	log  *slog.Logger

	signalChannel int
	refChannel    int // 0 disables the reference channel
	memoryDepth   int
	batchSize     int
	pollInterval  time.Duration

	tr      Transport
	idn     string
	elapsed float64 // acquired seconds delivered so far
}

// Option configures a Source.
type Option func(*Source)

// WithChannels selects the signal and reference channels (1..4). A ref of 0
// disables reference acquisition.
func WithChannels(signal, ref int) Option {
	return func(s *Source) {
		s.signalChannel = signal
		s.refChannel = ref
	}
}

// WithMemoryDepth sets the per-capture acquisition depth in points. The
// DS1000Z accepts 6k, 60k, 600k, 6M and 12M.
func WithMemoryDepth(points int) Option {
	return func(s *Source) { s.memoryDepth = points }
}

// WithBatchSize caps the points per :WAV:DATA? read.
func WithBatchSize(points int) Option {
	return func(s *Source) { s.batchSize = points }
}

// WithPollInterval sets the trigger-status polling period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Source) { s.pollInterval = d }
}

// WithLogger sets the structured logger. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates a Source that will connect through dial on Open. The default
// layout matches the usual bench setup: reference on channel 1, signal on
// channel 2.
func New(dial Dialer, opts ...Option) *Source {
	s := &Source{
		dial:          dial,
		log:           slog.Default(),
		signalChannel: 2,
		refChannel:    1,
		memoryDepth:   defaultMemoryDepth,
		batchSize:     defaultBatchSize,
		pollInterval:  defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open connects to the instrument, verifies its identity, and configures
// the capture: selected channels on, byte waveform format, single-sweep
// trigger, requested memory depth.
func (s *Source) Open() error {
	if s.tr != nil {
		return scope.ErrUnavailable
	}

	tr, err := s.dial()
	if err != nil {
		return err
	}

	idn, err := query(tr, "*IDN?", 256)
	if err != nil {
		tr.Close() //nolint:errcheck
		return fmt.Errorf("rigol: identify: %w", err)
	}

	if err := s.setup(tr); err != nil {
		tr.Close() //nolint:errcheck
		return err
	}

	s.tr = tr
	s.idn = idn
	s.elapsed = 0
	s.log.Info("oscilloscope connected", "idn", idn,
		"signal_channel", s.signalChannel, "ref_channel", s.refChannel,
		"memory_depth", s.memoryDepth)
	return nil
}

func (s *Source) setup(tr Transport) error {
	cmds := []string{":RUN"}
	for ch := 1; ch <= 4; ch++ {
		state := "OFF"
		if ch == s.signalChannel || ch == s.refChannel {
			state = "ON"
		}
		cmds = append(cmds, fmt.Sprintf(":CHANnel%d:DISPlay %s", ch, state))
	}
	cmds = append(cmds,
		fmt.Sprintf(":ACQuire:MDEPth %d", s.memoryDepth),
		":WAVeform:FORMat BYTE",
		":WAVeform:MODE RAW",
		":TRIGger:SWEep SINGle",
	)
	for _, cmd := range cmds {
		if err := tr.Write(cmd); err != nil {
			return err
		}
	}

	depth, err := queryInt(tr, ":ACQuire:MDEPth?")
	if err != nil {
		return fmt.Errorf("rigol: verify memory depth: %w", err)
	}
	if depth != s.memoryDepth {
		return fmt.Errorf("rigol: instrument kept memory depth %d, wanted %d", depth, s.memoryDepth)
	}
	return nil
}

// Identity returns the instrument's *IDN? response. Valid after Open.
func (s *Source) Identity() string {
	return s.idn
}

// NextBlock performs one single-shot capture and reads the configured
// channels from acquisition memory.
func (s *Source) NextBlock(ctx context.Context) (scope.Block, error) {
	if s.tr == nil {
		return scope.Block{}, scope.ErrUnavailable
	}

	if err := s.arm(); err != nil {
		return scope.Block{}, disconnected(err)
	}
	if err := s.waitForCapture(ctx); err != nil {
		return scope.Block{}, err
	}
	if err := s.tr.Write(":STOP"); err != nil {
		return scope.Block{}, disconnected(err)
	}

	total, err := queryInt(s.tr, ":ACQuire:MDEPth?")
	if err != nil {
		return scope.Block{}, disconnected(err)
	}

	data, err := s.readChannel(s.signalChannel, total)
	if err != nil {
		return scope.Block{}, err
	}
	var ref []float64
	if s.refChannel > 0 {
		if ref, err = s.readChannel(s.refChannel, total); err != nil {
			return scope.Block{}, err
		}
	}

	interval, err := queryFloat(s.tr, ":WAVeform:XINCrement?")
	if err != nil {
		return scope.Block{}, disconnected(err)
	}

	blk := scope.Block{
		Data:     data,
		Ref:      ref,
		Interval: interval,
		Start:    s.elapsed,
	}
	s.elapsed += blk.Duration()
	s.log.Debug("capture complete",
		"points", len(data), "interval_s", interval, "elapsed_s", s.elapsed)
	return blk, nil
}

// arm rearms the single-shot trigger and forces it, so free-running signals
// capture without an external trigger event.
func (s *Source) arm() error {
	for _, cmd := range []string{":RUN", ":TRIGger:SWEep SINGle", ":TFORce"} {
		if err := s.tr.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// waitForCapture polls the trigger status until the capture stops or ctx
// expires. A still-waiting trigger is forced again, as the instrument
// sometimes ignores a force issued right after rearming.
func (s *Source) waitForCapture(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		stat, err := query(s.tr, ":TRIGger:STATus?", 64)
		if err != nil {
			return disconnected(err)
		}
		switch stat {
		case "STOP":
			return nil
		case "WAIT":
			if err := s.tr.Write(":TFORce"); err != nil {
				return disconnected(err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// readChannel reads one full channel from acquisition memory in batches and
// scales the raw bytes to volts.
func (s *Source) readChannel(channel, total int) ([]float64, error) {
	if err := s.tr.Write(fmt.Sprintf(":WAVeform:SOURce CHANnel%d", channel)); err != nil {
		return nil, disconnected(err)
	}

	yinc, err := queryFloat(s.tr, ":WAVeform:YINCrement?")
	if err != nil {
		return nil, disconnected(err)
	}
	yorig, err := queryFloat(s.tr, ":WAVeform:YORigin?")
	if err != nil {
		return nil, disconnected(err)
	}
	yref, err := queryInt(s.tr, ":WAVeform:YREFerence?")
	if err != nil {
		return nil, disconnected(err)
	}
	if uint32(yref) == uint32(emptyMemoryYRef) {
		return nil, fmt.Errorf("rigol: channel %d acquisition memory empty: %w",
			channel, scope.ErrOverflow)
	}

	out := make([]float64, 0, total)
	for start := 1; start <= total; start += s.batchSize {
		stop := start + s.batchSize - 1
		if stop > total {
			stop = total
		}

		if err := s.tr.Write(fmt.Sprintf(":WAVeform:STARt %d", start)); err != nil {
			return nil, disconnected(err)
		}
		if err := s.tr.Write(fmt.Sprintf(":WAVeform:STOP %d", stop)); err != nil {
			return nil, disconnected(err)
		}
		if err := s.tr.Write(":WAVeform:DATA?"); err != nil {
			return nil, disconnected(err)
		}

		want := stop - start + 1
		raw, err := s.tr.Read(uint32(want) + 16) // TMC header plus terminator
		if err != nil {
			return nil, disconnected(err)
		}
		payload, err := parseTMC(raw)
		if err != nil {
			return nil, err
		}
		if len(payload) != want {
			return nil, fmt.Errorf("rigol: batch %d-%d returned %d points, want %d",
				start, stop, len(payload), want)
		}

		out = scaleBytes(out, payload, yinc, yorig, float64(yref))
	}
	return out, nil
}

// scaleBytes appends raw sample bytes converted to volts.
func scaleBytes(dst []float64, raw []byte, yinc, yorig, yref float64) []float64 {
	for _, b := range raw {
		dst = append(dst, (float64(b)-yref)*yinc-yorig)
	}
	return dst
}

// parseTMC strips the IEEE 488.2 block header ("#" + digit count + length)
// and the trailing terminator from a :WAV:DATA? response.
func parseTMC(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != '#' {
		return nil, fmt.Errorf("rigol: malformed block header in %d-byte response", len(raw))
	}
	digits := int(raw[1] - '0')
	if digits < 1 || digits > 9 || len(raw) < 2+digits {
		return nil, fmt.Errorf("rigol: malformed block header length digit %q", raw[1])
	}
	n, err := strconv.Atoi(string(raw[2 : 2+digits]))
	if err != nil {
		return nil, fmt.Errorf("rigol: block header length: %w", err)
	}
	body := raw[2+digits:]
	if len(body) < n {
		return nil, fmt.Errorf("rigol: truncated block: header says %d bytes, got %d", n, len(body))
	}
	return body[:n], nil
}

// Close releases the instrument, leaving it free-running.
func (s *Source) Close() error {
	if s.tr == nil {
		return nil
	}
	s.tr.Write(":RUN") //nolint:errcheck
	err := s.tr.Close()
	s.tr = nil
	return err
}

// disconnected marks a transport failure as a fatal loss of the instrument.
func disconnected(err error) error {
	return fmt.Errorf("%w: %v", scope.ErrDisconnected, err)
}

func query(tr Transport, cmd string, max uint32) (string, error) {
	if err := tr.Write(cmd); err != nil {
		return "", err
	}
	b, err := tr.Read(max)
	if err != nil {
		return "", err
	}
	resp, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(resp), nil
}

func queryInt(tr Transport, cmd string) (int, error) {
	resp, err := query(tr, cmd, 64)
	if err != nil {
		return 0, err
	}
	// The instrument reports some integer quantities in exponent notation.
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("rigol: %s returned %q: %w", cmd, resp, err)
	}
	return int(f), nil
}

func queryFloat(tr Transport, cmd string) (float64, error) {
	resp, err := query(tr, cmd, 64)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("rigol: %s returned %q: %w", cmd, resp, err)
	}
	return f, nil
}
