package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements Port with scripted behaviour. Reads follow
// the go.bug.st/serial contract: an empty buffer waits for the read timeout
// and then returns 0, nil.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer
	// Respond, when set, is called with every write and its return value is
	// queued for reading. It lets tests script a request/response device.
	Respond func(written []byte) []byte

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ReadTimeout time.Duration

	notify chan struct{}
}

// NewTestableSerialPort creates an empty scripted port.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		notify:      make(chan struct{}, 1),
	}
}

// Read drains the read buffer, waiting up to the read timeout for data.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.ReadCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		t.mu.Unlock()
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		wait := t.ReadTimeout
		t.mu.Unlock()
		if wait > 0 {
			select {
			case <-t.notify:
			case <-time.After(wait):
			}
		}
		t.mu.Lock()
		if t.Closed {
			t.mu.Unlock()
			return 0, ErrPortClosed
		}
		if t.ReadBuffer.Len() == 0 {
			t.mu.Unlock()
			return 0, nil
		}
	}
	n, _ := t.ReadBuffer.Read(p)
	t.mu.Unlock()
	return n, nil
}

// Write records p and queues the scripted response, if any.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	t.WriteBuffer.Write(p)
	respond := t.Respond
	t.mu.Unlock()

	if respond != nil {
		if reply := respond(append([]byte(nil), p...)); len(reply) > 0 {
			t.AddReadData(reply)
		}
	}
	return len(p), nil
}

// Close marks the port as closed and wakes a blocked reader.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	t.Closed = true
	err := t.CloseError
	t.mu.Unlock()
	t.signal()
	return err
}

// SetReadTimeout implements Port.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	t.ReadBuffer.Write(data)
	t.mu.Unlock()
	t.signal()
}

// GetWrittenData returns a copy of everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

func (t *TestableSerialPort) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// MockOpener implements Opener for tests.
type MockOpener struct {
	mu sync.Mutex

	// Ports are handed out in order; the last one is reused once exhausted.
	Ports []Port
	// Error is returned by Open if set.
	Error error
	// OpenCalls records every Open call.
	OpenCalls []MockOpenCall

	handed int
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options Options
}

// NewMockOpener returns an opener that hands out ports in order.
func NewMockOpener(ports ...Port) *MockOpener {
	return &MockOpener{Ports: ports}
}

// Open returns the next configured port or the configured error.
func (f *MockOpener) Open(path string, opts Options) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Ports) == 0 {
		return nil, errors.New("mock opener: no ports configured")
	}
	idx := min(f.handed, len(f.Ports)-1)
	f.handed++
	return f.Ports[idx], nil
}

// SetError changes the error returned by subsequent Open calls.
func (f *MockOpener) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = err
}

// Calls returns a copy of the recorded Open calls.
func (f *MockOpener) Calls() []MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MockOpenCall(nil), f.OpenCalls...)
}
