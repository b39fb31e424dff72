package printer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for writes and jobs on a session without a
	// live link.
	ErrNotConnected = errors.New("printer: not connected")
	// ErrBusy is returned by Connect while another connect is in progress.
	ErrBusy = errors.New("printer: connect already in progress")
)

// TransportError is a failed write. Op names what was being written.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("printer: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError is a failed connect. Step is one of "discover", "connect",
// "service", "characteristic" or "register".
type ConnectionError struct {
	Step string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("printer: connection failed at %s: %v", e.Step, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
