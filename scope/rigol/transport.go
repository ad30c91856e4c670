package rigol

import (
	"fmt"
	"io"
	"strconv"
	"time"

	vi "github.com/jpoirier/visa"
	"github.com/tarm/serial"
)

// Transport is a byte pipe carrying SCPI traffic to one instrument.
type Transport interface {
	// Write sends one command, terminator included.
	Write(cmd string) error

	// Read returns up to max response bytes.
	Read(max uint32) ([]byte, error)

	Close() error
}

// Dialer opens a Transport. Connection is deferred to Source.Open so a
// Source can be constructed without the instrument attached.
type Dialer func() (Transport, error)

// VISA dials a VISA resource such as
// "TCPIP::192.168.1.40::inst0::INSTR" or "USB0::0x1AB1::...::INSTR".
func VISA(connStr string) Dialer {
	return func() (Transport, error) {
		rm, status := vi.OpenDefaultRM()
		if status < vi.SUCCESS {
			return nil, fmt.Errorf("rigol: open VISA resource manager: status %d", status)
		}
		instr, status := rm.Open(connStr, vi.NULL, vi.NULL)
		if status < vi.SUCCESS {
			rm.Close()
			return nil, fmt.Errorf("rigol: open %s: status %d", connStr, status)
		}
		return &visaTransport{rm: rm, instr: instr}, nil
	}
}

type visaTransport struct {
	rm    vi.Session
	instr vi.Object
}

func (t *visaTransport) Write(cmd string) error {
	b := []byte(cmd + "\n")
	if _, status := t.instr.Write(b, uint32(len(b))); status < vi.SUCCESS {
		return fmt.Errorf("rigol: write %q: status %d", cmd, status)
	}
	return nil
}

func (t *visaTransport) Read(max uint32) ([]byte, error) {
	b, _, status := t.instr.Read(max)
	if status < vi.SUCCESS {
		return nil, fmt.Errorf("rigol: read: status %d", status)
	}
	return b, nil
}

func (t *visaTransport) Close() error {
	t.instr.Close()
	t.rm.Close()
	return nil
}

// Serial dials the instrument's RS-232 port.
func Serial(device string, baud int) Dialer {
	return func() (Transport, error) {
		port, err := serial.OpenPort(&serial.Config{
			Name:        device,
			Baud:        baud,
			ReadTimeout: 500 * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("rigol: open %s: %w", device, err)
		}
		return &serialTransport{port: port}, nil
	}
}

type serialTransport struct {
	port *serial.Port
}

func (t *serialTransport) Write(cmd string) error {
	if _, err := t.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("rigol: write %q: %w", cmd, err)
	}
	return nil
}

func (t *serialTransport) Read(max uint32) ([]byte, error) {
	b, err := readResponse(t.port, max)
	if err != nil {
		return nil, fmt.Errorf("rigol: read: %w", err)
	}
	return b, nil
}

// readResponse accumulates reads until one full SCPI response has arrived:
// binary block replies declare their length in the IEEE 488.2 header, ASCII
// replies end with a newline. RS-232 delivers a multi-kilobyte waveform
// batch in many small chunks, so a single port read is rarely complete.
// A read error or timeout after some data ends the response as-is.
func readResponse(r io.Reader, max uint32) ([]byte, error) {
	buf := make([]byte, max)
	total := 0
	want := -1
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if total > 0 {
			if want < 0 && buf[0] == '#' {
				want = blockLength(buf[:total])
			}
			if want > 0 && total >= want {
				break
			}
			if want < 0 && buf[0] != '#' && buf[total-1] == '\n' {
				break
			}
		}
		if err != nil {
			if total > 0 {
				break
			}
			return nil, err
		}
	}
	return buf[:total], nil
}

// blockLength returns the full wire length of a binary block response,
// trailing newline included, or -1 while the header is still incomplete
// or malformed.
func blockLength(raw []byte) int {
	if len(raw) < 2 {
		return -1
	}
	digits := int(raw[1] - '0')
	if digits < 1 || digits > 9 || len(raw) < 2+digits {
		return -1
	}
	n, err := strconv.Atoi(string(raw[2 : 2+digits]))
	if err != nil {
		return -1
	}
	return 2 + digits + n + 1
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
