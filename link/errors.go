package link

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	ErrClosing      = fmt.Errorf("closing")
	ErrNotConnected = fmt.Errorf("not connected")
	// ErrOutboxPending drops telemetry while earlier critical packets wait for delivery.
	ErrOutboxPending = fmt.Errorf("critical packets pending")
)

// ConnectionError is connect or reconnect failure, recovered by retry policy.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect url=%s: %v", e.URL, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamIOError is mid-session read or write failure.
type StreamIOError struct {
	Op  string
	Err error
}

func (e *StreamIOError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StreamIOError) Unwrap() error { return e.Err }

// MalformedPacketError kills connection under drop policy.
type MalformedPacketError struct {
	Err error
}

func (e *MalformedPacketError) Error() string { return e.Err.Error() }
func (e *MalformedPacketError) Unwrap() error { return e.Err }

func IsConnection(err error) bool {
	_, ok := errors.Cause(err).(*ConnectionError)
	return ok
}

func IsStreamIO(err error) bool {
	_, ok := errors.Cause(err).(*StreamIOError)
	return ok
}

func IsMalformed(err error) bool {
	_, ok := errors.Cause(err).(*MalformedPacketError)
	return ok
}
