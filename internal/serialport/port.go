// Package serialport owns the byte link to the sensing camera: opening a
// numbered port, framed writes and deadline-bounded reads.
package serialport

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal surface the transport needs from a serial port.
// go.bug.st/serial ports satisfy it, as does TestableSerialPort.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds a single Read. A Read that times out returns
	// 0, nil.
	SetReadTimeout(timeout time.Duration) error
}

// Opener creates ports. It exists so the transport can be tested without
// hardware.
type Opener interface {
	Open(path string, opts Options) (Port, error)
}

// RealOpener opens ports with go.bug.st/serial.
type RealOpener struct{}

// Open opens path with opts.
func (RealOpener) Open(path string, opts Options) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPorts returns the serial devices the OS currently reports.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
