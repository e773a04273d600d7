// Package ffi holds the pure-Go half of the foreign boundary: the closed set
// of error codes every export returns, the panic barrier that produces them,
// and the foreign-safe text and record views handed to callbacks.
package ffi

import (
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrorCode is the only failure detail that crosses the boundary. Values are
// part of the C ABI.
type ErrorCode int32

const (
	Ok           ErrorCode = 0
	NullPassed   ErrorCode = 1
	Panic        ErrorCode = 2
	WrappedError ErrorCode = 3
	NotConnected ErrorCode = 4
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "ok"
	case NullPassed:
		return "null_passed"
	case Panic:
		return "panic"
	case WrappedError:
		return "wrapped_error"
	case NotConnected:
		return "not_connected"
	default:
		return fmt.Sprintf("error_code(%d)", int32(c))
	}
}

var (
	ErrNullPassed   = errors.New("ffi: null argument")
	ErrNotASCII     = errors.New("ffi: text is not null-free ascii")
	ErrNoTerminator = errors.New("ffi: text is not null-terminated")
	ErrNotConnected = errors.New("ffi: not connected")
)

// PanicError carries a value recovered at the boundary.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("ffi: panic: %v", e.Value)
}

// Code classifies err. Malformed text counts as a null argument: both are
// rejected before any remote call is made.
func Code(err error) ErrorCode {
	var panicErr *PanicError
	switch {
	case err == nil:
		return Ok
	case errors.As(err, &panicErr):
		return Panic
	case errors.Is(err, ErrNullPassed), errors.Is(err, ErrNotASCII), errors.Is(err, ErrNoTerminator):
		return NullPassed
	case errors.Is(err, ErrNotConnected):
		return NotConnected
	default:
		return WrappedError
	}
}

// Guard runs fn behind a panic barrier and turns its outcome into a code.
// Details are logged, never returned.
func Guard(log *zap.Logger, op string, fn func() error) (code ErrorCode) {
	defer func() {
		if v := recover(); v != nil {
			err := &PanicError{Value: v, Stack: debug.Stack()}
			logger(log).Error("boundary call panicked",
				zap.String("op", op), zap.Any("panic", v), zap.ByteString("stack", err.Stack))
			code = Panic
		}
	}()

	err := fn()
	code = Code(err)
	if code != Ok {
		logger(log).Warn("boundary call failed",
			zap.String("op", op), zap.Stringer("code", code), zap.Error(err))
	}
	return code
}

// GuardBool is Guard for calls whose contract is a bare boolean: any error
// or panic becomes false.
func GuardBool(log *zap.Logger, op string, fn func() (bool, error)) (ok bool) {
	code := Guard(log, op, func() error {
		var err error
		ok, err = fn()
		return err
	})
	return code == Ok && ok
}

func logger(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
