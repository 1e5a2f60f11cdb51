package protocol

const (
	// CurrentProtocolVersion is the protocol revision this client speaks. It is
	// sent verbatim in the initialize request; no other negotiation happens.
	CurrentProtocolVersion = "2025-03-26"

	// Method names, aligned with the JSON-RPC 'method' field.
	MethodInitialize = "initialize"
	MethodPing       = "ping"
	MethodCallTool   = "tools/call"

	// MethodInitialized is the notification emitted after a successful
	// initialize exchange.
	MethodInitialized = "notifications/initialized"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)
