package vhostblk

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured error with context, carrying the
// operation that failed, the device and queue it failed on (if
// applicable), and an errno when the failure came from a syscall.
type Error struct {
	Op     string    // Operation that failed (e.g. "SET_MEM_TABLE", "ATTACH_QUEUE")
	Serial string    // Device serial (empty if not applicable)
	Queue  int       // Queue number (-1 if not applicable)
	Code   ErrorCode // High-level error category
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Serial != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Serial))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("vhostblk: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("vhostblk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match two *Error values by Code alone, regardless
// of the op/device/queue context each carries.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode categorizes a failure independent of its context.
type ErrorCode string

const (
	ErrCodeNotImplemented     ErrorCode = "not implemented"
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeIOError            ErrorCode = "I/O error"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeDeviceOffline      ErrorCode = "device offline"

	// ErrCodeQueueBroken marks a virtqueue that has observed a protocol
	// violation from the guest (a malformed descriptor chain, an index
	// out of range, a loop in the chain) and has stopped processing new
	// descriptors. A broken queue never recovers on its own; the device
	// must be torn down and the guest reconnect.
	ErrCodeQueueBroken ErrorCode = "queue broken"

	// ErrCodeProtocolViolation marks a malformed vhost-user control
	// message: a payload size that doesn't match the request type, an
	// unexpected fd count, or a reference to an unnegotiated queue.
	ErrCodeProtocolViolation ErrorCode = "protocol violation"

	// ErrCodeTranslationFailure marks a guest address (physical or
	// driver-space) that doesn't resolve to any region in the current
	// memory table.
	ErrCodeTranslationFailure ErrorCode = "address translation failure"

	// ErrCodeInflightInconsistent marks a crash-recovery replay that
	// found the inflight region's on-disk state inconsistent with the
	// ring it describes (a used index that moved backward, a replayed
	// head outside the ring's descriptor count).
	ErrCodeInflightInconsistent ErrorCode = "inflight region inconsistent"
)

// NewError creates a structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a syscall errno.
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewDeviceError creates a structured error scoped to a device.
func NewDeviceError(op, serial string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Serial: serial, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a structured error scoped to one queue of a
// device.
func NewQueueError(op, serial string, queue int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Serial: serial, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with operation context, mapping a
// bare syscall.Errno to its closest ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if e, ok := inner.(*Error); ok {
		return &Error{
			Op: op, Serial: e.Serial, Queue: e.Queue,
			Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Queue: -1, Code: mapErrnoToCode(errno),
			Errno: errno, Msg: errno.Error(), Inner: inner,
		}
	}

	return &Error{Op: op, Queue: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotImplemented
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err carries the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}

// ErrQueueBroken is the public sentinel a caller compares against with
// errors.Is. internal/vring has its own sentinel of the same name (it
// can't depend on this package without an import cycle, since this
// package's device registration path depends on internal/device which
// depends on internal/vring). internal/device does not translate a
// vring.ErrQueueBroken into this one: it drops that error when a dequeue
// on a broken queue returns it, so no function in this module returns
// ErrQueueBroken.
var ErrQueueBroken = &Error{Code: ErrCodeQueueBroken, Queue: -1, Msg: "virtqueue latched broken after a protocol violation"}

// ErrDeviceNotFound and ErrInvalidParameters are convenience sentinels
// for the common error codes MockBackend and callers constructing
// their own backends compare against with errors.Is.
var (
	ErrDeviceNotFound    = &Error{Code: ErrCodeDeviceNotFound, Queue: -1, Msg: "device not found"}
	ErrInvalidParameters = &Error{Code: ErrCodeInvalidParameters, Queue: -1, Msg: "invalid parameters"}
)
