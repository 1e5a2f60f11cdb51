// Package protocol defines the JSON-RPC 2.0 envelope and the message types
// exchanged with tool worker processes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// Request represents a JSON-RPC request object. IDs are always integers here:
// they are assigned by the client from a per-session monotonic counter.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC response object. Exactly one of Result and
// Error is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Notification represents a JSON-RPC notification object. Notifications
// carry no ID and receive no response.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// ErrorPayload is the 'error' object of a JSON-RPC error response.
type ErrorPayload struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewRequest creates a request envelope for the given id and method.
func NewRequest(id int64, method string, params interface{}) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a notification envelope.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// UnmarshalResult decodes a raw result payload into target. A missing or
// null payload is an error: callers use this only when a result is required.
func UnmarshalResult(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("result payload is empty")
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal result into %T: %w", target, err)
	}
	return nil
}
