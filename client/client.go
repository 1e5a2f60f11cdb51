// Package client implements the RPC client for tool worker processes: request
// envelope construction, the initialize handshake, and tool invocation over a
// single stdio session.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/toolwire/toolwire/logx"
	"github.com/toolwire/toolwire/protocol"
	"github.com/toolwire/toolwire/transport/stdio"
)

const (
	defaultClientName     = "toolwire"
	defaultClientVersion  = "1.0.0"
	defaultConnectTimeout = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Client speaks the JSON-RPC protocol over exactly one Session. Calls on a
// Client are strictly sequential: the transport is one ordered byte stream,
// so a second invoke is held until the outstanding one resolves.
type Client struct {
	serverID string
	command  string
	args     []string
	env      map[string]string

	logger          logx.Logger
	tokenProvider   TokenProvider
	protocolVersion string
	clientName      string
	clientVersion   string
	instanceID      string
	connectTimeout  time.Duration
	requestTimeout  time.Duration

	// inflight serializes invokes; mu guards connection state.
	inflight sync.Mutex
	mu       sync.Mutex

	session     *stdio.Session
	injected    bool
	connected   bool
	initialized bool

	// sessionUnsafe records that the last session was abandoned mid-read;
	// until the next Connect, rejected calls report ErrSessionUnsafe as
	// their cause instead of plain ErrNotConnected.
	sessionUnsafe bool

	info              protocol.Implementation
	negotiatedVersion string
	capabilities      []protocol.Tool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger logx.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEnv sets extra environment variables for the worker process.
func WithEnv(env map[string]string) Option {
	return func(c *Client) { c.env = env }
}

// WithTokenProvider sets the provider whose token is placed into the worker
// environment at spawn.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) { c.tokenProvider = p }
}

// WithConnectTimeout bounds Connect including the initialize exchange.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithRequestTimeout bounds each invoke.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClientInfo overrides the identity sent in the initialize request.
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		c.clientName = name
		c.clientVersion = version
	}
}

// WithProtocolVersion overrides the protocol version sent at initialize.
func WithProtocolVersion(version string) Option {
	return func(c *Client) { c.protocolVersion = version }
}

// WithSession attaches a pre-built session instead of spawning a process.
// Used by tests and in-process workers.
func WithSession(sess *stdio.Session) Option {
	return func(c *Client) {
		c.session = sess
		c.injected = true
	}
}

// New creates a client for the given worker command. Nothing is spawned
// until Connect.
func New(serverID, command string, args []string, opts ...Option) *Client {
	c := &Client{
		serverID:        serverID,
		command:         command,
		args:            args,
		logger:          logx.NewDefaultLogger(),
		protocolVersion: protocol.CurrentProtocolVersion,
		clientName:      defaultClientName,
		clientVersion:   defaultClientVersion,
		instanceID:      uuid.NewString(),
		connectTimeout:  defaultConnectTimeout,
		requestTimeout:  defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServerID returns the server identifier this client was built for.
func (c *Client) ServerID() string { return c.serverID }

// Connect spawns the worker and performs the initialize handshake. It is a
// no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if c.session == nil || !c.injected {
		env := make(map[string]string, len(c.env)+1)
		for k, v := range c.env {
			env[k] = v
		}
		if c.tokenProvider != nil {
			token, err := c.tokenProvider.Token(c.serverID)
			if err != nil {
				return NewConnectionError(c.serverID, "failed to mint worker token", "", err)
			}
			env[AuthTokenEnvVar] = token
		}
		c.session = stdio.NewSession(c.command, c.args,
			stdio.WithEnv(env),
			stdio.WithLogger(c.logger),
		)
		connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
		if err := c.session.Connect(connectCtx); err != nil {
			stderr := c.session.StderrTail()
			c.session = nil
			return NewConnectionError(c.serverID, "failed to start worker process", stderr, err)
		}
	}
	c.connected = true
	c.sessionUnsafe = false

	if err := c.initializeLocked(ctx); err != nil {
		c.discardSessionLocked()
		return err
	}
	return nil
}

// initializeLocked performs the single version exchange and snapshots the
// advertised capabilities. Callers hold c.mu.
func (c *Client) initializeLocked(ctx context.Context) error {
	params := protocol.InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo: protocol.ClientInfo{
			Name:       c.clientName,
			Version:    c.clientVersion,
			InstanceID: c.instanceID,
		},
		Capabilities: map[string]interface{}{},
	}

	resp, err := c.roundTrip(ctx, protocol.MethodInitialize, params, c.connectTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return NewInvocationError(c.serverID, protocol.MethodInitialize, resp.Error.Code, resp.Error.Message)
	}

	var payload map[string]interface{}
	if err := protocol.UnmarshalResult(resp.Result, &payload); err != nil {
		return NewProtocolError(c.serverID, "malformed initialize result", err)
	}
	var result protocol.InitializeResult
	if err := mapstructure.Decode(payload, &result); err != nil {
		return NewProtocolError(c.serverID, "failed to decode initialize result", err)
	}
	if result.ProtocolVersion == "" {
		return NewProtocolError(c.serverID, "server did not provide a protocol version", nil)
	}

	c.info = result.ServerInfo
	c.negotiatedVersion = result.ProtocolVersion
	c.capabilities = nil
	if result.Capabilities.Tools != nil {
		c.capabilities = append(c.capabilities, result.Capabilities.Tools.Tools...)
	}
	c.initialized = true

	// Best effort: failure to deliver the initialized notification does not
	// fail the handshake.
	if err := c.session.WriteLine(protocol.NewNotification(protocol.MethodInitialized, nil)); err != nil {
		c.logger.Warn("failed to send initialized notification to %s: %v", c.serverID, err)
	}

	c.logger.Info("initialized %s: server=%s/%s protocol=%s tools=%d",
		c.serverID, c.info.Name, c.info.Version, c.negotiatedVersion, len(c.capabilities))
	return nil
}

// Invoke sends a tools/call request and blocks for the matching response
// under the request deadline. Remote error objects surface as
// InvocationError and are never retried here.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	c.mu.Lock()
	if !c.connected {
		cause := c.notConnectedCauseLocked()
		c.mu.Unlock()
		return nil, NewConnectionError(c.serverID, "invoke on disconnected client", "", cause)
	}
	c.mu.Unlock()

	params := protocol.CallToolParams{Name: tool, Arguments: args}
	resp, err := c.roundTrip(ctx, protocol.MethodCallTool, params, c.requestTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, NewInvocationError(c.serverID, tool, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// Ping performs the cheap liveness exchange used by health probes.
func (c *Client) Ping(ctx context.Context) error {
	c.inflight.Lock()
	defer c.inflight.Unlock()

	c.mu.Lock()
	if !c.connected {
		cause := c.notConnectedCauseLocked()
		c.mu.Unlock()
		return NewConnectionError(c.serverID, "ping on disconnected client", "", cause)
	}
	c.mu.Unlock()

	resp, err := c.roundTrip(ctx, protocol.MethodPing, struct{}{}, c.requestTimeout)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return NewInvocationError(c.serverID, protocol.MethodPing, resp.Error.Code, resp.Error.Message)
	}
	return nil
}

// incoming is the shape sniffed from each line before committing to a
// response decode: notifications have a method but no id.
type incoming struct {
	ID     *int64                 `json:"id"`
	Method string                 `json:"method"`
	Result json.RawMessage        `json:"result"`
	Error  *protocol.ErrorPayload `json:"error"`
}

// roundTrip writes one request and reads until its response arrives. Any
// failure other than a remote error object discards the session: after a
// timeout or a stream fault, a stray late response could be misattributed to
// a subsequent call, so the only safe remediation is a fresh session.
func (c *Client) roundTrip(ctx context.Context, method string, params interface{}, timeout time.Duration) (*protocol.Response, error) {
	c.mu.Lock()
	sess := c.session
	cause := c.notConnectedCauseLocked()
	c.mu.Unlock()
	if sess == nil {
		return nil, NewConnectionError(c.serverID, "no session", "", cause)
	}

	id := sess.NextID()
	req := protocol.NewRequest(id, method, params)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := sess.WriteLine(req); err != nil {
		c.discard()
		return nil, NewConnectionError(c.serverID, fmt.Sprintf("failed to send %s request", method), sess.StderrTail(), err)
	}

	for {
		line, err := sess.ReadLine(ctx)
		if err != nil {
			c.discard()
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				c.markUnsafe()
				return nil, NewTimeoutError(c.serverID, method, timeout, err)
			case errors.Is(err, context.Canceled):
				// Caller-side cancellation, not a server timeout. The pending
				// response may still arrive, so the session is equally unsafe.
				c.markUnsafe()
				return nil, NewConnectionError(c.serverID,
					fmt.Sprintf("%s cancelled before a response arrived", method), "", err)
			case errors.Is(err, stdio.ErrServerClosed):
				return nil, NewProtocolError(c.serverID, "server closed connection", err)
			case errors.Is(err, stdio.ErrInvalidJSON):
				return nil, NewProtocolError(c.serverID, "received malformed line", err)
			default:
				return nil, NewConnectionError(c.serverID, "read failed", sess.StderrTail(), err)
			}
		}

		var msg incoming
		if err := json.Unmarshal(line, &msg); err != nil {
			c.discard()
			return nil, NewProtocolError(c.serverID, "unparsable message", err)
		}

		// Server-initiated notifications may interleave with the response
		// stream; they carry no id and are not the answer to anything.
		if msg.ID == nil {
			if msg.Method != "" {
				c.logger.Debug("notification from %s: %s", c.serverID, msg.Method)
				continue
			}
			c.discard()
			return nil, NewProtocolError(c.serverID, "message has neither id nor method", nil)
		}

		if *msg.ID != id {
			c.discard()
			return nil, NewProtocolError(c.serverID,
				fmt.Sprintf("response id mismatch: sent %d, received %d", id, *msg.ID), nil)
		}

		return &protocol.Response{
			JSONRPC: protocol.Version,
			ID:      *msg.ID,
			Result:  msg.Result,
			Error:   msg.Error,
		}, nil
	}
}

// Capabilities returns the immutable capability snapshot taken at
// initialize. It is empty before the handshake completes.
func (c *Client) Capabilities() []protocol.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Tool, len(c.capabilities))
	copy(out, c.capabilities)
	return out
}

// Info returns the server identity reported at initialize.
func (c *Client) Info() protocol.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// ProtocolVersion returns the version confirmed at initialize.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedVersion
}

// IsAlive reports whether the underlying worker process is still running.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.session != nil && c.session.IsAlive()
}

// Close tears down the session. Safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.connected = false
		c.sessionUnsafe = false
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.connected = false
	c.initialized = false
	c.sessionUnsafe = false
	c.capabilities = nil
	return err
}

// markUnsafe flags that a pending read was abandoned; see sessionUnsafe.
func (c *Client) markUnsafe() {
	c.mu.Lock()
	c.sessionUnsafe = true
	c.mu.Unlock()
}

// notConnectedCauseLocked picks the sentinel explaining why the client is
// disconnected. Callers hold c.mu.
func (c *Client) notConnectedCauseLocked() error {
	if c.sessionUnsafe {
		return ErrSessionUnsafe
	}
	return ErrNotConnected
}

// discard destroys the session after an unrecoverable fault. A later Connect
// builds a fresh session and re-runs initialize.
func (c *Client) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardSessionLocked()
}

func (c *Client) discardSessionLocked() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("error closing session for %s: %v", c.serverID, err)
		}
	}
	c.session = nil
	c.injected = false
	c.connected = false
	c.initialized = false
	c.capabilities = nil
}
