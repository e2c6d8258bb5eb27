package xenblk

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured backend error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "CONNECT", "HANDLE_REQUESTS")
	DevID uint32        // Device ID (0 if not applicable)
	Queue int           // Ring index (-1 if not applicable, this backend has one ring per device)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // host errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
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
		return fmt.Sprintf("xenblk: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("xenblk: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for comparing by error code alone
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeNotImplemented    ErrorCode = "not implemented"
	ErrCodeDeviceNotFound    ErrorCode = "device not found"
	ErrCodeDeviceBusy        ErrorCode = "device busy"
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodePermissionDenied  ErrorCode = "permission denied"
	ErrCodeInsufficientMem   ErrorCode = "insufficient memory"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeTimeout           ErrorCode = "timeout"
	ErrCodeDeviceOffline     ErrorCode = "device offline"

	// ErrCodeRingOverflow is returned when the producer index advances by
	// more than the ring can hold between two consecutive reads of it.
	ErrCodeRingOverflow ErrorCode = "ring request consumer overflow"
	// ErrCodeGrantCopyFailed covers failures copying segments to or from
	// guest memory through the grant/transport layer.
	ErrCodeGrantCopyFailed ErrorCode = "grant copy failed"
	// ErrCodeConfigMissing is returned when a required configuration key
	// is absent from the device's store subtree at connect time.
	ErrCodeConfigMissing ErrorCode = "required configuration key missing"
	// ErrCodeBackpressure is returned when request submission must stall
	// because the request pool is exhausted.
	ErrCodeBackpressure ErrorCode = "request pool exhausted"
	// ErrCodeProtocolParse covers malformed control-monitor input.
	ErrCodeProtocolParse ErrorCode = "protocol parse error"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op string, devID uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		DevID: devID,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with backend context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			DevID: ue.DevID,
			Queue: ue.Queue,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeIOError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps a host errno to a backend error code
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
		return ErrCodeInsufficientMem
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Errno == errno
	}
	return false
}
