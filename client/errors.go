package client

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors usable with errors.Is().
var (
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")

	// ErrSessionUnsafe is the cause reported when a call is rejected because
	// the previous session was abandoned mid-read (timeout or cancellation)
	// and a fresh Connect is required.
	ErrSessionUnsafe = errors.New("session is unsafe after an abandoned read and must be reconnected")
)

// baseError carries the shared fields of the client error taxonomy.
type baseError struct {
	Message string
	Cause   error
}

func (e *baseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *baseError) Unwrap() error { return e.Cause }

// ConnectionError indicates the worker process failed to start, a pipe closed
// unexpectedly, or the server is circuit-broken.
type ConnectionError struct {
	baseError
	ServerID string
	Stderr   string
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection error (%s): %s", e.ServerID, e.baseError.Error())
	if e.Stderr != "" {
		msg += fmt.Sprintf(" [stderr: %s]", e.Stderr)
	}
	return msg
}

// ProtocolError indicates a malformed line, unparsable JSON, or a response id
// mismatch. It is always fatal to the current session.
type ProtocolError struct {
	baseError
	ServerID string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.ServerID, e.baseError.Error())
}

// InvocationError carries a JSON-RPC error object returned by the worker for
// a tool call. It is never retried: the same call would be rejected again.
type InvocationError struct {
	baseError
	ServerID string
	Tool     string
	Code     int
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation error (%s, tool %s, code %d): %s", e.ServerID, e.Tool, e.Code, e.baseError.Error())
}

// TimeoutError indicates no matching response arrived within the deadline.
// The session is unsafe for reuse afterwards.
type TimeoutError struct {
	baseError
	ServerID  string
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %v during %s (%s): %s", e.Timeout, e.Operation, e.ServerID, e.baseError.Error())
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(serverID, message, stderr string, cause error) error {
	return &ConnectionError{
		baseError: baseError{Message: message, Cause: cause},
		ServerID:  serverID,
		Stderr:    stderr,
	}
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(serverID, message string, cause error) error {
	return &ProtocolError{
		baseError: baseError{Message: message, Cause: cause},
		ServerID:  serverID,
	}
}

// NewInvocationError creates an InvocationError from a remote error object.
func NewInvocationError(serverID, tool string, code int, message string) error {
	return &InvocationError{
		baseError: baseError{Message: message},
		ServerID:  serverID,
		Tool:      tool,
		Code:      code,
	}
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(serverID, operation string, timeout time.Duration, cause error) error {
	return &TimeoutError{
		baseError: baseError{Message: fmt.Sprintf("no response within %v", timeout), Cause: cause},
		ServerID:  serverID,
		Operation: operation,
		Timeout:   timeout,
	}
}

// IsConnectionError reports whether err is a ConnectionError.
func IsConnectionError(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrAlreadyConnected)
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}

// IsInvocationError reports whether err is an InvocationError.
func IsInvocationError(err error) bool {
	var e *InvocationError
	return errors.As(err, &e)
}

// IsTimeoutError reports whether err is a TimeoutError.
func IsTimeoutError(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}
