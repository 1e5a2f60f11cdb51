// Package manager maintains the pool of worker connections: registration,
// execute with retry and circuit-breaking, background health probing, and
// coordinated shutdown.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/toolwire/toolwire/client"
	"github.com/toolwire/toolwire/logx"
	"github.com/toolwire/toolwire/protocol"
)

const probeTimeout = 5 * time.Second

// Conn is the slice of the RPC client the manager depends on. *client.Client
// implements it; tests substitute counting fakes via WithClientFactory.
type Conn interface {
	Connect(ctx context.Context) error
	Invoke(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error)
	Ping(ctx context.Context) error
	Capabilities() []protocol.Tool
	Info() protocol.Implementation
	IsAlive() bool
	Close() error
}

var _ Conn = (*client.Client)(nil)

// ClientFactory builds the connection for a server config. Factories are
// registered once per manager and invoked lazily on first use and after
// every discard.
type ClientFactory func(cfg ServerConfig) Conn

// SleepFunc is the retry delay primitive. Injectable so tests can assert
// exact backoff sequences without waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type serverState struct {
	config     ServerConfig
	dispatcher Dispatcher
	conn       Conn
	health     HealthRecord

	// failures counts consecutive exhausted-retry executes; reaching the
	// configured threshold escalates degraded to unavailable.
	failures int

	probeCancel context.CancelFunc
}

// Manager orchestrates worker connections for registered servers. Construct
// with New and pass the instance to every call site; there is no package
// global.
type Manager struct {
	logger  logx.Logger
	factory ClientFactory
	backoff client.BackoffStrategy
	sleep   SleepFunc

	mu      sync.Mutex
	servers map[string]*serverState
	closed  bool

	probers sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger logx.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClientFactory replaces how connections are built.
func WithClientFactory(factory ClientFactory) ManagerOption {
	return func(m *Manager) { m.factory = factory }
}

// WithBackoff replaces the retry delay strategy. The default is exponential
// with a one second initial delay and factor two: 1s, 2s, 4s, …
func WithBackoff(strategy client.BackoffStrategy) ManagerOption {
	return func(m *Manager) { m.backoff = strategy }
}

// WithSleep replaces the sleep primitive used between retries.
func WithSleep(sleep SleepFunc) ManagerOption {
	return func(m *Manager) { m.sleep = sleep }
}

// New creates an empty manager.
func New(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:  logx.NewDefaultLogger(),
		backoff: client.NewExponentialBackoff(time.Second, 0),
		sleep:   sleepContext,
		servers: make(map[string]*serverState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = m.defaultFactory
	}
	return m
}

func (m *Manager) defaultFactory(cfg ServerConfig) Conn {
	opts := []client.Option{
		client.WithLogger(m.logger),
		client.WithEnv(cfg.Env),
		client.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.AuthSecret != "" {
		opts = append(opts, client.WithTokenProvider(
			client.NewJWTTokenProvider([]byte(cfg.AuthSecret), "toolwire-manager", 0)))
	}
	return client.New(cfg.ID, cfg.Command, cfg.Args, opts...)
}

// Register stores the configuration for a server id, initializes its health
// record to unknown, and starts a background prober when the server is
// enabled with a positive health-check interval. Registering an existing id
// replaces everything wholesale. A nil dispatcher defaults to Passthrough.
func (m *Manager) Register(cfg ServerConfig, dispatcher Dispatcher) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	if dispatcher == nil {
		dispatcher = Passthrough{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is shut down")
	}
	if old, ok := m.servers[cfg.ID]; ok {
		m.teardownLocked(old)
	}
	st := &serverState{
		config:     cfg,
		dispatcher: dispatcher,
		health: HealthRecord{
			ServerID: cfg.ID,
			Status:   StatusUnknown,
		},
	}
	m.servers[cfg.ID] = st

	if cfg.Enabled && cfg.HealthCheckInterval > 0 {
		probeCtx, cancel := context.WithCancel(context.Background())
		st.probeCancel = cancel
		m.probers.Add(1)
		go m.probeLoop(probeCtx, cfg.ID, cfg.HealthCheckInterval)
	}
	m.mu.Unlock()

	m.logger.Info("registered server %s (%s)", cfg.ID, cfg.Name)
	return nil
}

// RegisterFromConfig registers every config in the slice, looking up
// dispatchers by server id. Missing dispatchers default to Passthrough.
func (m *Manager) RegisterFromConfig(configs []ServerConfig, dispatchers map[string]Dispatcher) error {
	for _, cfg := range configs {
		if err := m.Register(cfg, dispatchers[cfg.ID]); err != nil {
			return err
		}
	}
	return nil
}

// Unregister cancels the server's prober and drops its configuration, health
// record, and any live connection.
func (m *Manager) Unregister(serverID string) error {
	m.mu.Lock()
	st, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %q is not registered", serverID)
	}
	m.teardownLocked(st)
	delete(m.servers, serverID)
	m.mu.Unlock()

	m.logger.Info("unregistered server %s", serverID)
	return nil
}

// teardownLocked stops the prober and closes the connection for a state that
// is being replaced or removed. Callers hold m.mu.
func (m *Manager) teardownLocked(st *serverState) {
	if st.probeCancel != nil {
		st.probeCancel()
		st.probeCancel = nil
	}
	if st.conn != nil {
		if err := st.conn.Close(); err != nil {
			m.logger.Warn("error closing connection to %s: %v", st.config.ID, err)
		}
		st.conn = nil
	}
}

// Execute runs a logical method on the named server. It fails fast without
// touching the transport when the server is unregistered, disabled, or
// circuit-broken; otherwise it obtains or creates a connection, routes the
// method through the server's dispatcher, and retries timeouts and
// connection failures up to MaxRetries with exponential backoff. The
// optional timeout bounds each individual attempt.
func (m *Manager) Execute(ctx context.Context, serverID, method string, params map[string]interface{}, timeout ...time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is shut down")
	}
	st, ok := m.servers[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, client.NewConnectionError(serverID, "server is not registered", "", nil)
	}
	if !st.config.Enabled {
		m.mu.Unlock()
		return nil, client.NewConnectionError(serverID, "server is disabled", "", nil)
	}
	if st.health.Status == StatusUnavailable {
		lastErr := st.health.Error
		m.mu.Unlock()
		return nil, client.NewConnectionError(serverID,
			fmt.Sprintf("server is unavailable (circuit open): %s", lastErr), "", nil)
	}
	cfg := st.config
	dispatcher := st.dispatcher
	m.mu.Unlock()

	tool, args, err := dispatcher.Resolve(method, params)
	if err != nil {
		return nil, fmt.Errorf("dispatch failed for %s: %w", serverID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff.NextDelay(attempt)
			m.logger.Debug("retrying %s.%s in %v (attempt %d/%d)", serverID, method, delay, attempt+1, cfg.MaxRetries+1)
			if err := m.sleep(ctx, delay); err != nil {
				break
			}
		}

		conn, err := m.obtainConn(ctx, st)
		if err != nil {
			lastErr = err
			// Retrying is pointless once the registration this execute
			// started under is gone.
			if !m.current(st) {
				return nil, err
			}
			continue
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(timeout) > 0 && timeout[0] > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout[0])
		}

		start := time.Now()
		result, err := conn.Invoke(attemptCtx, tool, args)
		cancel()
		if err == nil {
			m.markHealthy(st, time.Since(start))
			return result, nil
		}
		if client.IsInvocationError(err) {
			// The worker answered; the tool rejected the arguments. Retrying
			// the same call would repeat the same rejection.
			m.touch(st)
			return nil, err
		}

		// Timeout, connection, or protocol fault: the session is unsafe.
		m.dropConn(st, conn)
		lastErr = err
	}

	m.markFailure(st, lastErr)
	return nil, lastErr
}

// currentLocked verifies that st is still the registered state for its id.
// A caller racing Unregister, Register-replace, or Shutdown holds a dangling
// state; anything built on it would leak. Callers hold m.mu.
func (m *Manager) currentLocked(st *serverState) error {
	if m.closed {
		return fmt.Errorf("manager is shut down")
	}
	if m.servers[st.config.ID] != st {
		return client.NewConnectionError(st.config.ID, "server was unregistered", "", nil)
	}
	return nil
}

// current is currentLocked without the lock held.
func (m *Manager) current(st *serverState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(st) == nil
}

// obtainConn returns the live connection for a server, building and
// connecting a fresh one when none exists. The manager lock is never held
// across process I/O, so registration is validated again after Connect: an
// Unregister or Shutdown that ran in between has already closed what it knew
// about, and a connection surviving past that point would never be cleaned
// up.
func (m *Manager) obtainConn(ctx context.Context, st *serverState) (Conn, error) {
	m.mu.Lock()
	if err := m.currentLocked(st); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conn := st.conn
	if conn == nil {
		conn = m.factory(st.config)
		st.conn = conn
	}
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.dropConn(st, conn)
		return nil, err
	}

	m.mu.Lock()
	err := m.currentLocked(st)
	if err == nil && st.conn != conn {
		err = client.NewConnectionError(st.config.ID, "connection was discarded", "", nil)
	}
	m.mu.Unlock()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Warn("error closing connection to %s: %v", st.config.ID, closeErr)
		}
		return nil, err
	}
	return conn, nil
}

// dropConn closes a connection that is no longer trusted and clears the
// cache entry if it is still current.
func (m *Manager) dropConn(st *serverState, conn Conn) {
	if err := conn.Close(); err != nil {
		m.logger.Warn("error closing connection to %s: %v", st.config.ID, err)
	}
	m.mu.Lock()
	if st.conn == conn {
		st.conn = nil
	}
	m.mu.Unlock()
}

// CheckHealth performs a synchronous probe: ensure a connection exists and
// exchange a ping under a short deadline. Any confirmed round trip, even an
// error reply from a worker that does not implement ping, proves the
// transport and counts as healthy.
func (m *Manager) CheckHealth(ctx context.Context, serverID string) (HealthRecord, error) {
	m.mu.Lock()
	st, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return HealthRecord{}, fmt.Errorf("server %q is not registered", serverID)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := m.obtainConn(probeCtx, st)
	if err != nil {
		m.markProbeFailure(st, err)
		return m.GetHealthOrZero(serverID), nil
	}
	if !conn.IsAlive() {
		m.dropConn(st, conn)
		m.markProbeFailure(st, fmt.Errorf("worker process is not running"))
		return m.GetHealthOrZero(serverID), nil
	}

	start := time.Now()
	err = conn.Ping(probeCtx)
	switch {
	case err == nil, client.IsInvocationError(err):
		m.markHealthy(st, time.Since(start))
	default:
		m.dropConn(st, conn)
		m.markProbeFailure(st, err)
	}
	return m.GetHealthOrZero(serverID), nil
}

// GetHealth returns the cached health record. It never triggers a probe.
func (m *Manager) GetHealth(serverID string) (HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[serverID]
	if !ok {
		return HealthRecord{}, fmt.Errorf("server %q is not registered", serverID)
	}
	return st.health, nil
}

// GetHealthOrZero is GetHealth for callers that treat missing servers as a
// zero record.
func (m *Manager) GetHealthOrZero(serverID string) HealthRecord {
	rec, _ := m.GetHealth(serverID)
	return rec
}

// GetAllHealth returns a snapshot of every cached health record.
func (m *Manager) GetAllHealth() map[string]HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]HealthRecord, len(m.servers))
	for id, st := range m.servers {
		out[id] = st.health
	}
	return out
}

// MarkUnavailable opens the circuit for a server explicitly. Subsequent
// executes fail immediately until a probe confirms the worker again.
func (m *Manager) MarkUnavailable(serverID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[serverID]
	if !ok {
		return fmt.Errorf("server %q is not registered", serverID)
	}
	st.health.Status = StatusUnavailable
	st.health.Error = reason
	st.health.LastCheck = time.Now()
	return nil
}

// ListServers returns the registered server ids in stable order.
func (m *Manager) ListServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConfig returns the registered configuration for a server id.
func (m *Manager) GetConfig(serverID string) (ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.servers[serverID]
	if !ok {
		return ServerConfig{}, false
	}
	return st.config, true
}

// Capabilities returns the tool descriptors a server advertised, connecting
// and initializing on first use.
func (m *Manager) Capabilities(ctx context.Context, serverID string) ([]protocol.Tool, error) {
	m.mu.Lock()
	st, ok := m.servers[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server %q is not registered", serverID)
	}
	conn, err := m.obtainConn(ctx, st)
	if err != nil {
		return nil, err
	}
	return conn.Capabilities(), nil
}

// Shutdown disconnects every live connection and cancels every prober,
// waiting for them to finish. Individual disconnect failures are logged and
// never interrupt cleanup of the remaining sessions.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*serverState, 0, len(m.servers))
	for _, st := range m.servers {
		if st.probeCancel != nil {
			st.probeCancel()
			st.probeCancel = nil
		}
		states = append(states, st)
	}
	m.mu.Unlock()

	m.probers.Wait()

	for _, st := range states {
		m.mu.Lock()
		conn := st.conn
		st.conn = nil
		m.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil {
			m.logger.Warn("error disconnecting %s during shutdown: %v", st.config.ID, err)
		}
	}

	m.logger.Info("manager shut down (%d servers)", len(states))
	return nil
}

// probeLoop runs the periodic background health check for one server until
// its context is cancelled.
func (m *Manager) probeLoop(ctx context.Context, serverID string, interval time.Duration) {
	defer m.probers.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckHealth(ctx, serverID); err != nil {
				return // server was unregistered
			}
		}
	}
}

// markHealthy records a confirmed successful exchange. It restores healthy
// from any state, including unavailable, and resets the failure counter.
func (m *Manager) markHealthy(st *serverState, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.failures = 0
	st.health.Status = StatusHealthy
	st.health.LastCheck = time.Now()
	st.health.ResponseTime = responseTime
	st.health.Error = ""
}

// markFailure records an execute that exhausted its retries, downgrading to
// degraded and escalating to unavailable after the configured number of
// consecutive exhaustions.
func (m *Manager) markFailure(st *serverState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.failures++
	st.health.LastCheck = time.Now()
	if err != nil {
		st.health.Error = err.Error()
	}
	if st.failures >= st.config.FailureThreshold {
		st.health.Status = StatusUnavailable
	} else {
		st.health.Status = StatusDegraded
	}
}

// markProbeFailure records a failed background probe. Probe failures do not
// advance the escalation counter: only executes that exhausted retries do.
func (m *Manager) markProbeFailure(st *serverState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.health.LastCheck = time.Now()
	st.health.Error = err.Error()
	if st.health.Status == StatusHealthy || st.health.Status == StatusUnknown {
		st.health.Status = StatusDegraded
	}
}

// touch refreshes the last-check timestamp without changing status, used
// when a worker answered but rejected the call.
func (m *Manager) touch(st *serverState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.health.LastCheck = time.Now()
}
