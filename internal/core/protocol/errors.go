package protocol

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Core protocol errors
var (
	// Connection errors

	ErrTransportDisconnected = errors.New("transport disconnected")
	ErrConnectionClosed      = errors.New("connection is closed")
	ErrListenerClosed        = errors.New("listener is closed")

	// Message errors

	ErrSerializationFailed   = errors.New("message serialization failed")
	ErrDeserializationFailed = errors.New("message deserialization failed")
	ErrFrameTooLarge         = errors.New("frame too large")

	// Transport errors

	ErrTransportNotSupported = errors.New("transport not supported")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrListenFailed          = errors.New("listen failed")
	ErrDialFailed            = errors.New("dial failed")

	// Configuration errors

	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeTransportDisconnected ErrorCode = 1001
	ErrorCodeConnectionClosed      ErrorCode = 1002
	ErrorCodeListenerClosed        ErrorCode = 1003

	// Message error codes (3000-3999)

	ErrorCodeSerializationFailed   ErrorCode = 3001
	ErrorCodeDeserializationFailed ErrorCode = 3002
	ErrorCodeFrameTooLarge         ErrorCode = 3003

	// Transport error codes (7000-7999)

	ErrorCodeTransportNotSupported ErrorCode = 7001
	ErrorCodeInvalidAddress        ErrorCode = 7002
	ErrorCodeListenFailed          ErrorCode = 7003
	ErrorCodeDialFailed            ErrorCode = 7004

	ErrorCodeInvalidConfig ErrorCode = 8001

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a protocol-specific error with additional context
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match a coded error against the sentinel for its code.
func (e *Error) Is(target error) bool {
	for sentinel, code := range errorCodeMap {
		if sentinel == target {
			return code == e.Code
		}
	}
	return false
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsFatal reports whether the connection that produced the error must be
// torn down.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeTransportDisconnected,
		ErrorCodeConnectionClosed,
		ErrorCodeSerializationFailed:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrTransportDisconnected: ErrorCodeTransportDisconnected,
	ErrConnectionClosed:      ErrorCodeConnectionClosed,
	ErrListenerClosed:        ErrorCodeListenerClosed,

	ErrSerializationFailed:   ErrorCodeSerializationFailed,
	ErrDeserializationFailed: ErrorCodeDeserializationFailed,
	ErrFrameTooLarge:         ErrorCodeFrameTooLarge,

	ErrTransportNotSupported: ErrorCodeTransportNotSupported,
	ErrInvalidAddress:        ErrorCodeInvalidAddress,
	ErrListenFailed:          ErrorCodeListenFailed,
	ErrDialFailed:            ErrorCodeDialFailed,

	ErrInvalidConfig: ErrorCodeInvalidConfig,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if code, exists := errorCodeMap[err]; exists {
		return code
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error, keeping the code of
// a known sentinel.
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// Disconnected wraps a failed read or write on a connection. Every transport
// failure collapses into this code.
func Disconnected(cause error) *Error {
	return NewProtocolError(ErrorCodeTransportDisconnected, "transport disconnected", cause)
}

// IsPeerGone reports whether err looks like the peer went away, as opposed to
// a local failure.
func IsPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
