package eeprom

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors.
var (
	ErrVersionMismatch   = errors.New("protocol version mismatch")
	ErrUnknownPacket     = errors.New("unknown packet")
	ErrPanicked          = errors.New("controller panicked")
	ErrProtocol          = errors.New("protocol desynchronized")
	ErrModeConflict      = errors.New("high-only and low-only are mutually exclusive")
	ErrDirectionConflict = errors.New("cannot send and receive in the same session")
	ErrImageSize         = errors.New("image size does not match mode")
	ErrImageExists       = errors.New("output image already exists")
	ErrBufferFull        = errors.New("transfer buffer full")
	ErrIdleTimeout       = errors.New("timed out waiting for the link")
	ErrSessionEnded      = errors.New("session already ended")
)

// AbortError is returned when the remote end aborted the session.
type AbortError struct {
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("remote abort %#02x: %v", e.Reason, GetAbortReasonString(e.Reason))
}

// LinkError wraps a transport failure.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %v failed: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *LinkError) Cause() error { return e.Err }
