// Package serial owns the console side of a bootstrap session: a 9600-8-N-1
// byte channel with line writes and prompt-delimited reads.
package serial

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.bug.st/serial"
)

// PortCount is the number of console ports exposed by the controller host.
const PortCount = 16

// DefaultPrompt matches the interactive readiness marker of most switch CLIs.
// ReadUntilPrompt only honors a match at the tail of the captured buffer, so
// a '#' inside echoed configuration text does not terminate a read.
var DefaultPrompt = regexp.MustCompile(`[#>]`)

// ErrReadTimeout is returned by ReadUntilPrompt when the prompt did not
// appear in time. The partial transcript is returned alongside it.
var ErrReadTimeout = errors.New("timeout waiting for prompt")

var ErrNotOpen = errors.New("serial port not open")

// Session is the transport contract the bootstrap runner drives.
type Session interface {
	Open() error
	Close() error
	SendLine(line string) error
	ReadUntilPrompt(prompt *regexp.Regexp, timeout time.Duration) (string, error)
	Flush() error
}

type PortConfig struct {
	Path        string
	BaudRate    int
	ReadTimeout time.Duration
}

func (c *PortConfig) Validate() error {
	if c.Path == "" {
		return errors.New("port path is required")
	}
	if c.BaudRate <= 0 {
		return errors.New("baud rate must be greater than 0")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be greater than 0")
	}
	return nil
}

// Port is a Session over one of the controller's tty device nodes.
type Port struct {
	cfg  PortConfig
	port serial.Port

	// open lets tests substitute a fake serial.Port.
	open func() (serial.Port, error)
}

func NewPort(cfg PortConfig) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Port{cfg: cfg}
	p.open = func() (serial.Port, error) {
		return serial.Open(cfg.Path, &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	}
	return p, nil
}

func (p *Port) Open() error {
	if p.port != nil {
		return nil
	}
	port, err := p.open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.cfg.Path, err)
	}
	// Short per-read timeout; ReadUntilPrompt accumulates chunks against its
	// own deadline.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", p.cfg.Path, err)
	}
	p.port = port
	return nil
}

func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// SendLine writes the line followed by a newline and drains the output
// buffer.
func (p *Port) SendLine(line string) error {
	if p.port == nil {
		return ErrNotOpen
	}
	if _, err := p.port.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("failed to write to %s: %w", p.cfg.Path, err)
	}
	if err := p.port.Drain(); err != nil {
		return fmt.Errorf("failed to drain %s: %w", p.cfg.Path, err)
	}
	return nil
}

// ReadUntilPrompt accumulates device output until the prompt regexp matches
// the tail of the buffer, or the timeout elapses. The match must be the last
// non-whitespace content captured; an earlier occurrence embedded in echoed
// configuration is ignored. On timeout the partial transcript is returned
// together with ErrReadTimeout.
func (p *Port) ReadUntilPrompt(prompt *regexp.Regexp, timeout time.Duration) (string, error) {
	if p.port == nil {
		return "", ErrNotOpen
	}
	if prompt == nil {
		prompt = DefaultPrompt
	}
	if timeout <= 0 {
		timeout = p.cfg.ReadTimeout
	}

	deadline := time.Now().Add(timeout)
	var sb strings.Builder
	chunk := make([]byte, 256)

	for {
		n, err := p.port.Read(chunk)
		if n > 0 {
			sb.Write(chunk[:n])
			if promptAtTail(prompt, sb.String()) {
				return sb.String(), nil
			}
		}
		if err != nil {
			return sb.String(), fmt.Errorf("failed to read from %s: %w", p.cfg.Path, err)
		}
		if time.Now().After(deadline) {
			return sb.String(), ErrReadTimeout
		}
	}
}

// Flush discards anything buffered in both directions.
func (p *Port) Flush() error {
	if p.port == nil {
		return ErrNotOpen
	}
	if err := p.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	if err := p.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("failed to reset output buffer: %w", err)
	}
	return nil
}

// promptAtTail reports whether the last prompt match is followed only by
// whitespace.
func promptAtTail(prompt *regexp.Regexp, buf string) bool {
	locs := prompt.FindAllStringIndex(buf, -1)
	if len(locs) == 0 {
		return false
	}
	tail := buf[locs[len(locs)-1][1]:]
	return strings.TrimSpace(tail) == ""
}

// PortPath returns the device node path for a 1-based port number, following
// the {base}{N} convention.
func PortPath(base string, n int) string {
	return fmt.Sprintf("%s%d", base, n)
}

// Discover enumerates the canonical port paths under base and returns those
// that exist on this host.
func Discover(base string) []string {
	var paths []string
	for i := 1; i <= PortCount; i++ {
		path := PortPath(base, i)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths
}
