package protocol

// Implementation identifies a client or server implementation.
type Implementation struct {
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version" mapstructure:"version"`
}

// ClientInfo is the client identity sent in the initialize request. The
// instance id distinguishes concurrent supervisors pointed at the same worker
// binary.
type ClientInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	InstanceID string `json:"instanceId,omitempty"`
}

// InitializeParams are the parameters of the 'initialize' request.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
	Capabilities    map[string]interface{} `json:"capabilities"`
}

// Tool describes one operation a worker advertises as callable. The input
// schema is opaque structured data; the client stores and forwards it without
// interpreting it.
type Tool struct {
	Name        string                 `json:"name" mapstructure:"name"`
	Description string                 `json:"description,omitempty" mapstructure:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty" mapstructure:"inputSchema"`
}

// ToolList wraps the tool descriptors inside the capabilities object.
type ToolList struct {
	Tools []Tool `json:"tools" mapstructure:"tools"`
}

// ServerCapabilities carries the capability groups a worker advertises.
// Only tools are interpreted; anything else the worker sends lands in Extra.
type ServerCapabilities struct {
	Tools *ToolList              `json:"tools,omitempty" mapstructure:"tools"`
	Extra map[string]interface{} `json:"-" mapstructure:",remain"`
}

// InitializeResult is the result payload of a successful initialize exchange.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion" mapstructure:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo" mapstructure:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities" mapstructure:"capabilities"`
}

// CallToolParams are the parameters of a 'tools/call' request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
