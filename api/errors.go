// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the codec, handshake and connection layers.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeParam marks invalid arguments or a connection not in a usable state.
	ErrCodeParam
	// ErrCodeMemory marks a payload that cannot be buffered.
	ErrCodeMemory
	// ErrCodeProtocol marks malformed frames or handshakes.
	ErrCodeProtocol
	// ErrCodeSocket marks failed or closed underlying I/O. Fatal to a connection.
	ErrCodeSocket
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeParam:
		return "param"
	case ErrCodeMemory:
		return "memory"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeSocket:
		return "socket"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Class sentinels. Any *Error matches the sentinel of its code via errors.Is.
var (
	ErrParam    = &Error{Code: ErrCodeParam, Message: "invalid parameter"}
	ErrMemory   = &Error{Code: ErrCodeMemory, Message: "memory limit exceeded"}
	ErrProtocol = &Error{Code: ErrCodeProtocol, Message: "protocol error"}
	ErrSocket   = &Error{Code: ErrCodeSocket, Message: "socket error"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the class sentinel of e's code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrParam, ErrMemory, ErrProtocol, ErrSocket:
		return target.(*Error).Code == e.Code
	}
	return false
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Param builds an ErrCodeParam error.
func Param(message string) *Error { return NewError(ErrCodeParam, message) }

// Memory builds an ErrCodeMemory error.
func Memory(message string) *Error { return NewError(ErrCodeMemory, message) }

// Protocol builds an ErrCodeProtocol error wrapping cause (may be nil).
func Protocol(message string, cause error) *Error { return Wrap(ErrCodeProtocol, message, cause) }

// Socket builds an ErrCodeSocket error wrapping cause (may be nil).
func Socket(message string, cause error) *Error { return Wrap(ErrCodeSocket, message, cause) }

// CodeOf extracts the class of err, ErrCodeOK for nil and ErrCodeSocket for
// foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeSocket
}
