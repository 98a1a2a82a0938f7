package hvc

import (
	"errors"
	"fmt"
)

// Invocation failure codes, as reported by the vendor host library.
const (
	CodeParameter     = -1
	CodeSendData      = -10
	CodeHeaderTimeout = -20
	CodeHeaderInvalid = -21
	CodeDataTimeout   = -22
)

var codeNames = map[int]string{
	CodeParameter:     "invalid parameter",
	CodeSendData:      "send failed",
	CodeHeaderTimeout: "response header timeout",
	CodeHeaderInvalid: "response header invalid",
	CodeDataTimeout:   "response data timeout",
}

// ProtocolError is a failed exchange: nothing usable came back.
type ProtocolError struct {
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	name, ok := codeNames[e.Code]
	if !ok {
		name = "protocol error"
	}
	if e.Err != nil {
		return fmt.Sprintf("hvc %s (%d): %v", name, e.Code, e.Err)
	}
	return fmt.Sprintf("hvc %s (%d)", name, e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StatusError is a well-formed response carrying a non-zero status.
type StatusError struct {
	Command byte
	Status  byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hvc command 0x%02X response status 0x%02X", e.Command, e.Status)
}

// Code extracts the invocation code from err, or 0 if err is not a
// ProtocolError.
func Code(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

func protoErr(code int, err error) error {
	return &ProtocolError{Code: code, Err: err}
}
