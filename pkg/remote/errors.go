package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound is returned when a process id or name does not match any
	// process of the target.
	ErrNotFound = errors.New("process not found")

	// ErrDisconnected is returned by a Client after Disconnect.
	ErrDisconnected = errors.New("not connected")
)

// ConnectionError means the channel to the target is unusable: it could
// not be established, it was closed, or a call did not complete in time.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection to %s failed during %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ReadError means the target refused a memory read, usually because the
// range is not mapped or not readable.
type ReadError struct {
	PID  int
	Addr uint64
	Size int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x in process %d: %v", e.Size, e.Addr, e.PID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError means the target refused a memory write.
type WriteError struct {
	PID  int
	Addr uint64
	Size int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("could not write %d bytes at %#x in process %d: %v", e.Size, e.Addr, e.PID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err means the connection is lost, as
// opposed to one request being refused.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// isTransportFailure reports whether err comes from the channel itself
// rather than from the target's answer.
func isTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// classify turns an error returned by a provider into one of the error
// types of this package. Errors that already have one of those types are
// returned unchanged.
func classify(addr, op string, err error, refused func(error) error) error {
	var (
		ce *ConnectionError
		re *ReadError
		we *WriteError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce), errors.As(err, &re), errors.As(err, &we), errors.Is(err, ErrNotFound):
		return err
	case isTransportFailure(err):
		return &ConnectionError{Addr: addr, Op: op, Err: err}
	case refused != nil:
		return refused(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
