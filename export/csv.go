// Package export delivers measurements to the outside world: CSV files for
// offline analysis and MQTT topics for live consumers.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/cwbudde/scope-lockin/lockin"
)

// CSVSink writes measurements as CSV rows, one per measurement, in
// acceptance order. The header row is written on the first Accept.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	header bool
}

// NewCSVSink writes CSV to w. If w is also an io.Closer it is closed by
// Close.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Accept appends one row.
func (s *CSVSink) Accept(ctx context.Context, m lockin.Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.header {
		if err := s.w.Write([]string{"time_s", "amplitude", "phase_rad"}); err != nil {
			return fmt.Errorf("export: write header: %w", err)
		}
		s.header = true
	}

	row := []string{
		strconv.FormatFloat(m.Time, 'g', -1, 64),
		strconv.FormatFloat(m.Amplitude, 'g', -1, 64),
		strconv.FormatFloat(m.Phase, 'g', -1, 64),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("export: write row: %w", err)
	}
	return nil
}

// Flush forces buffered rows to the underlying writer.
func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.w.Error()
}

// Close flushes and closes the underlying writer when it is closable.
func (s *CSVSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
