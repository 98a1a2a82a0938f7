package serialport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

var (
	// ErrNotOpen is returned by Send and Receive before Open or after Close.
	ErrNotOpen = errors.New("serial port not open")
	// ErrTimeout is returned by Receive when fewer bytes than requested
	// arrived before the deadline. The partial data is returned with it.
	ErrTimeout = errors.New("serial receive timeout")
)

// pollSlice caps each blocking Read so a long receive still notices Close.
const pollSlice = 50 * time.Millisecond

// Transport is a single open link to the camera.
type Transport struct {
	opener   Opener
	path     string
	template string
	options  Options

	mu   sync.Mutex
	port Port
	open string
}

// NewTransport returns a closed transport. When path is non-empty it is
// used verbatim; otherwise Open formats template with the port id.
func NewTransport(opener Opener, path, template string) *Transport {
	if opener == nil {
		opener = RealOpener{}
	}
	if template == "" {
		template = "/dev/ttyACM%d"
	}
	return &Transport{opener: opener, path: path, template: template}
}

// ResolvePath returns the device path Open would use for portID.
func (t *Transport) ResolvePath(portID int) string {
	if t.path != "" {
		return t.path
	}
	return fmt.Sprintf(t.template, portID)
}

// Open opens the numbered port. A zero baud selects DefaultBaudRate. Any
// previously open port is closed first.
func (t *Transport) Open(portID, baud int) error {
	opts, err := Options{BaudRate: baud}.Normalize()
	if err != nil {
		return err
	}
	path := t.ResolvePath(portID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}
	p, err := t.opener.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	t.port = p
	t.open = path
	t.options = opts
	monitoring.Logf("serial: opened %s at %d baud", path, opts.BaudRate)
	return nil
}

// Path returns the currently open device path, or "".
func (t *Transport) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// IsOpen reports whether a port is held.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *Transport) current() Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Send writes p in full.
func (t *Transport) Send(p []byte) (int, error) {
	port := t.current()
	if port == nil {
		return 0, ErrNotOpen
	}
	written := 0
	for written < len(p) {
		n, err := port.Write(p[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("serial write: %w", err)
		}
		if n == 0 {
			return written, errors.New("serial write: short write")
		}
	}
	return written, nil
}

// Receive reads exactly n bytes unless timeout elapses first, in which case
// the bytes read so far are returned with ErrTimeout.
func (t *Transport) Receive(timeout time.Duration, n int) ([]byte, error) {
	port := t.current()
	if port == nil {
		return nil, ErrNotOpen
	}
	if n <= 0 {
		return nil, nil
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf[:got], ErrTimeout
		}
		if err := port.SetReadTimeout(min(remaining, pollSlice)); err != nil {
			return buf[:got], fmt.Errorf("serial set timeout: %w", err)
		}
		r, err := port.Read(buf[got:])
		got += r
		if err != nil {
			return buf[:got], fmt.Errorf("serial read: %w", err)
		}
		if t.current() != port {
			return buf[:got], ErrNotOpen
		}
	}
	return buf, nil
}

// Close releases the port. Closing a closed transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	monitoring.Logf("serial: closed %s", t.open)
	t.port = nil
	t.open = ""
	return err
}
