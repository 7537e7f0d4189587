package station

import (
	"errors"
	"fmt"
)

var (
	ErrTransport        = errors.New("transport error")
	ErrIdentityMismatch = errors.New("device identity mismatch")
	ErrPersistence      = errors.New("persistence failed")
	ErrCycleInProgress  = errors.New("fetch cycle already in progress")
	ErrUnknownStation   = errors.New("unknown station")
	ErrUnknownType      = errors.New("unknown station type")
)

// TransportError is a serial or HTTP I/O failure. It matches ErrTransport
// and its cause with errors.Is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}
