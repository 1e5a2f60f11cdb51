package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolwire/toolwire/client"
	"github.com/toolwire/toolwire/logx"
	"github.com/toolwire/toolwire/protocol"
)

// fakeConn counts calls and scripts failures per invoke attempt.
type fakeConn struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	closeErr   error
	invoke     func(attempt int) (json.RawMessage, error)

	connects int
	invokes  int
	closes   int
	lastTool string
	lastArgs map[string]interface{}
}

func (f *fakeConn) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeConn) Invoke(_ context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.invokes++
	attempt := f.invokes
	f.lastTool = tool
	f.lastArgs = args
	fn := f.invoke
	f.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return fn(attempt)
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) Capabilities() []protocol.Tool { return nil }
func (f *fakeConn) Info() protocol.Implementation {
	return protocol.Implementation{Name: "fake"}
}
func (f *fakeConn) IsAlive() bool { return true }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeConn) counts() (connects, invokes, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.invokes, f.closes
}

// sleepRecorder captures retry delays instead of waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

func newTestManager(t *testing.T, conn *fakeConn) (*Manager, *sleepRecorder) {
	t.Helper()
	sleeper := &sleepRecorder{}
	m := New(
		WithLogger(logx.NopLogger{}),
		WithClientFactory(func(ServerConfig) Conn { return conn }),
		WithSleep(sleeper.sleep),
	)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, sleeper
}

func testConfig(id string) ServerConfig {
	return ServerConfig{
		ID:         id,
		Command:    "/usr/bin/true",
		Enabled:    true,
		MaxRetries: 3,
	}
}

func timeoutErr(serverID string) error {
	return client.NewTimeoutError(serverID, "tools/call", time.Second, context.DeadlineExceeded)
}

func TestExecuteSuccess(t *testing.T) {
	conn := &fakeConn{}
	m, sleeper := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	result, err := m.Execute(context.Background(), "srv", "echo", map[string]interface{}{"x": 1})
	require.NoError(t, err, "Execute should succeed")
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Empty(t, sleeper.recorded(), "No retries means no sleeps")

	assert.Equal(t, "echo", conn.lastTool, "Passthrough dispatch uses the method as the tool name")

	rec, err := m.GetHealth("srv")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, rec.Status, "Successful exchange marks healthy")
	assert.False(t, rec.LastCheck.IsZero())
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	conn := &fakeConn{}
	conn.invoke = func(attempt int) (json.RawMessage, error) {
		if attempt <= 2 {
			return nil, timeoutErr("srv")
		}
		return json.RawMessage(`{"attempt":3}`), nil
	}
	m, sleeper := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	result, err := m.Execute(context.Background(), "srv", "flaky", nil)
	require.NoError(t, err, "Third attempt should succeed")
	assert.JSONEq(t, `{"attempt":3}`, string(result))

	_, invokes, _ := conn.counts()
	assert.Equal(t, 3, invokes, "Two failures plus the success")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.recorded(),
		"Delays must follow the doubling schedule")

	rec, _ := m.GetHealth("srv")
	assert.Equal(t, StatusHealthy, rec.Status, "Eventual success marks healthy")
}

func TestExecuteInvocationErrorNotRetried(t *testing.T) {
	conn := &fakeConn{}
	conn.invoke = func(int) (json.RawMessage, error) {
		return nil, client.NewInvocationError("srv", "read_file", -32602, "missing argument")
	}
	m, sleeper := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	_, err := m.Execute(context.Background(), "srv", "read_file", nil)
	require.Error(t, err)
	assert.True(t, client.IsInvocationError(err), "Invocation errors surface unchanged")

	_, invokes, closes := conn.counts()
	assert.Equal(t, 1, invokes, "Invocation errors are never retried")
	assert.Equal(t, 0, closes, "The worker answered, so the connection is kept")
	assert.Empty(t, sleeper.recorded())

	rec, _ := m.GetHealth("srv")
	assert.NotEqual(t, StatusDegraded, rec.Status, "A rejected call is not a transport failure")
}

func TestExecuteExhaustsRetries(t *testing.T) {
	conn := &fakeConn{}
	conn.invoke = func(int) (json.RawMessage, error) {
		return nil, timeoutErr("srv")
	}
	m, sleeper := newTestManager(t, conn)

	cfg := testConfig("srv")
	cfg.MaxRetries = 2
	cfg.FailureThreshold = 3
	require.NoError(t, m.Register(cfg, nil))

	_, err := m.Execute(context.Background(), "srv", "slow", nil)
	require.Error(t, err)
	assert.True(t, client.IsTimeoutError(err), "Final error is the last attempt's error")

	_, invokes, _ := conn.counts()
	assert.Equal(t, 3, invokes, "MaxRetries=2 means three attempts total")
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleeper.recorded())

	rec, _ := m.GetHealth("srv")
	assert.Equal(t, StatusDegraded, rec.Status, "First exhaustion degrades")
	assert.NotEmpty(t, rec.Error)
}

func TestExecuteEscalatesToUnavailable(t *testing.T) {
	conn := &fakeConn{}
	conn.invoke = func(int) (json.RawMessage, error) {
		return nil, timeoutErr("srv")
	}
	m, _ := newTestManager(t, conn)

	cfg := testConfig("srv")
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 3
	require.NoError(t, m.Register(cfg, nil))

	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), "srv", "slow", nil)
		require.Error(t, err)
	}

	rec, _ := m.GetHealth("srv")
	assert.Equal(t, StatusUnavailable, rec.Status, "Threshold consecutive exhaustions open the circuit")

	_, invokesBefore, _ := conn.counts()
	_, err := m.Execute(context.Background(), "srv", "slow", nil)
	require.Error(t, err, "Circuit-broken server must fail fast")
	assert.True(t, client.IsConnectionError(err))
	assert.Contains(t, err.Error(), "unavailable")

	_, invokesAfter, _ := conn.counts()
	assert.Equal(t, invokesBefore, invokesAfter, "Short-circuit must make zero transport attempts")
}

func TestExecuteSuccessResetsEscalation(t *testing.T) {
	var failing bool
	conn := &fakeConn{}
	conn.invoke = func(int) (json.RawMessage, error) {
		if failing {
			return nil, timeoutErr("srv")
		}
		return json.RawMessage(`{}`), nil
	}
	m, _ := newTestManager(t, conn)

	cfg := testConfig("srv")
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2
	require.NoError(t, m.Register(cfg, nil))

	failing = true
	_, _ = m.Execute(context.Background(), "srv", "op", nil)
	failing = false
	_, err := m.Execute(context.Background(), "srv", "op", nil)
	require.NoError(t, err)
	failing = true
	_, _ = m.Execute(context.Background(), "srv", "op", nil)

	rec, _ := m.GetHealth("srv")
	assert.Equal(t, StatusDegraded, rec.Status, "A success in between resets the consecutive-failure count")
}

func TestExecuteUnregisteredAndDisabled(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)

	_, err := m.Execute(context.Background(), "ghost", "op", nil)
	require.Error(t, err, "Unregistered server must fail fast")
	assert.True(t, client.IsConnectionError(err))

	cfg := testConfig("off")
	cfg.Enabled = false
	require.NoError(t, m.Register(cfg, nil))

	_, err = m.Execute(context.Background(), "off", "op", nil)
	require.Error(t, err, "Disabled server must fail fast")

	connects, invokes, _ := conn.counts()
	assert.Zero(t, connects, "Fail-fast paths never touch the transport")
	assert.Zero(t, invokes)
}

func TestExecuteMethodMapDispatch(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)

	dispatcher := NewMethodMap(map[string]Binding{
		"fetch": {
			Tool: "http_get",
			Transform: func(params map[string]interface{}) map[string]interface{} {
				return map[string]interface{}{"url": params["target"]}
			},
		},
	})
	require.NoError(t, m.Register(testConfig("srv"), dispatcher))

	_, err := m.Execute(context.Background(), "srv", "fetch", map[string]interface{}{"target": "http://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "http_get", conn.lastTool, "Method must resolve to the bound tool")
	assert.Equal(t, "http://example.com", conn.lastArgs["url"], "Transform must reshape the arguments")

	_, err = m.Execute(context.Background(), "srv", "unbound", nil)
	require.Error(t, err, "Unbound method must fail before any attempt")
	_, invokes, _ := conn.counts()
	assert.Equal(t, 1, invokes, "Dispatch failure makes no transport attempt")
}

func TestCheckHealthRecovery(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))
	require.NoError(t, m.MarkUnavailable("srv", "operator action"))

	rec, err := m.CheckHealth(context.Background(), "srv")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, rec.Status, "A confirmed ping recovers even an unavailable server")
	assert.Empty(t, rec.Error)

	_, err = m.Execute(context.Background(), "srv", "op", nil)
	assert.NoError(t, err, "Recovered server must accept executes again")
}

func TestCheckHealthFailure(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("spawn failed")}
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	rec, err := m.CheckHealth(context.Background(), "srv")
	require.NoError(t, err, "A failed probe is a recorded outcome, not a call error")
	assert.Equal(t, StatusDegraded, rec.Status)
	assert.Contains(t, rec.Error, "spawn failed")

	_, _, closes := conn.counts()
	assert.NotZero(t, closes, "Failed probe must not leak the connection")
}

func TestCheckHealthPingRejectedStillHealthy(t *testing.T) {
	conn := &fakeConn{pingErr: client.NewInvocationError("srv", "ping", -32601, "method not found")}
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	rec, err := m.CheckHealth(context.Background(), "srv")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, rec.Status, "A worker that answers at all is reachable")
}

func TestGetHealthUnknownBeforeFirstExchange(t *testing.T) {
	m, _ := newTestManager(t, &fakeConn{})
	require.NoError(t, m.Register(testConfig("srv"), nil))

	rec, err := m.GetHealth("srv")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, rec.Status, "Health starts unknown, never optimistically healthy")
	assert.True(t, rec.LastCheck.IsZero())

	_, err = m.GetHealth("ghost")
	assert.Error(t, err)
}

func TestGetAllHealth(t *testing.T) {
	m, _ := newTestManager(t, &fakeConn{})
	require.NoError(t, m.Register(testConfig("a"), nil))
	require.NoError(t, m.Register(testConfig("b"), nil))

	all := m.GetAllHealth()
	require.Len(t, all, 2)
	assert.Equal(t, StatusUnknown, all["a"].Status)
	assert.Equal(t, StatusUnknown, all["b"].Status)
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestManager(t, &fakeConn{})

	err := m.Register(ServerConfig{Command: "/bin/true"}, nil)
	assert.Error(t, err, "Missing id must be rejected")

	err = m.Register(ServerConfig{ID: "x"}, nil)
	assert.Error(t, err, "Missing command must be rejected")
}

func TestRegisterReplaceClosesOldConn(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	_, err := m.Execute(context.Background(), "srv", "op", nil)
	require.NoError(t, err)

	require.NoError(t, m.Register(testConfig("srv"), nil))
	_, _, closes := conn.counts()
	assert.Equal(t, 1, closes, "Replacing a registration must close the old connection")
}

func TestUnregister(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)
	require.NoError(t, m.Register(testConfig("srv"), nil))

	_, err := m.Execute(context.Background(), "srv", "op", nil)
	require.NoError(t, err)

	require.NoError(t, m.Unregister("srv"))
	_, _, closes := conn.counts()
	assert.Equal(t, 1, closes, "Unregister must close the live connection")

	_, err = m.Execute(context.Background(), "srv", "op", nil)
	assert.Error(t, err, "Unregistered server must reject executes")
	assert.Error(t, m.Unregister("srv"), "Double unregister must error")
}

func TestListServersAndConfig(t *testing.T) {
	m, _ := newTestManager(t, &fakeConn{})
	require.NoError(t, m.Register(testConfig("beta"), nil))
	require.NoError(t, m.Register(testConfig("alpha"), nil))

	assert.Equal(t, []string{"alpha", "beta"}, m.ListServers(), "Ids are listed in stable order")

	cfg, ok := m.GetConfig("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", cfg.Name, "Name defaults to the id")
	assert.Equal(t, defaultTimeout, cfg.Timeout, "Timeout default must be applied at Register")

	_, ok = m.GetConfig("ghost")
	assert.False(t, ok)
}

func TestShutdown(t *testing.T) {
	good := &fakeConn{}
	bad := &fakeConn{closeErr: errors.New("close failed")}
	conns := map[string]*fakeConn{"good": good, "bad": bad}

	m := New(
		WithLogger(logx.NopLogger{}),
		WithClientFactory(func(cfg ServerConfig) Conn { return conns[cfg.ID] }),
		WithSleep((&sleepRecorder{}).sleep),
	)
	require.NoError(t, m.Register(testConfig("good"), nil))
	require.NoError(t, m.Register(testConfig("bad"), nil))

	_, err := m.Execute(context.Background(), "good", "op", nil)
	require.NoError(t, err)
	_, err = m.Execute(context.Background(), "bad", "op", nil)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()), "Shutdown reports success despite individual close failures")

	_, _, goodCloses := good.counts()
	_, _, badCloses := bad.counts()
	assert.Equal(t, 1, goodCloses, "Every connection must be closed")
	assert.Equal(t, 1, badCloses, "A failing close must not skip the rest")

	_, err = m.Execute(context.Background(), "good", "op", nil)
	assert.Error(t, err, "Executes after shutdown must fail")
	assert.NoError(t, m.Shutdown(context.Background()), "Repeated shutdown is a no-op")
}

func TestBackgroundProber(t *testing.T) {
	conn := &fakeConn{}
	m, _ := newTestManager(t, conn)

	cfg := testConfig("srv")
	cfg.HealthCheckInterval = 20 * time.Millisecond
	require.NoError(t, m.Register(cfg, nil))

	assert.Eventually(t, func() bool {
		rec, err := m.GetHealth("srv")
		return err == nil && rec.Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond, "Prober should confirm the worker without any execute")

	require.NoError(t, m.Shutdown(context.Background()), "Shutdown must stop the prober")
}

// blockingConn parks in Connect until released, so tests can interleave a
// registration change with an in-flight execute.
type blockingConn struct {
	fakeConn
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingConn) Connect(ctx context.Context) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeConn.Connect(ctx)
}

func TestExecuteRacingUnregisterDoesNotLeak(t *testing.T) {
	conn := &blockingConn{entered: make(chan struct{}), release: make(chan struct{})}
	var built atomic.Int32
	sleeper := &sleepRecorder{}
	m := New(
		WithLogger(logx.NopLogger{}),
		WithClientFactory(func(ServerConfig) Conn {
			built.Add(1)
			return conn
		}),
		WithSleep(sleeper.sleep),
	)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	require.NoError(t, m.Register(testConfig("srv"), nil))

	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "srv", "op", nil)
		done <- err
	}()

	<-conn.entered
	require.NoError(t, m.Unregister("srv"))
	close(conn.release)

	err := <-done
	require.Error(t, err, "Execute racing Unregister must not succeed")
	assert.True(t, client.IsConnectionError(err))
	assert.Contains(t, err.Error(), "unregistered")

	assert.Equal(t, int32(1), built.Load(), "No connection may be built for a removed registration")
	_, invokes, closes := conn.counts()
	assert.Zero(t, invokes, "No call may run on a connection that outlived its registration")
	assert.GreaterOrEqual(t, closes, 1, "The in-flight connection must be closed")
	assert.Empty(t, sleeper.recorded(), "A dead registration must not be retried")

	require.NoError(t, m.Shutdown(context.Background()))
	_, _, closesAfter := conn.counts()
	assert.GreaterOrEqual(t, closesAfter, 1, "Nothing is left for Shutdown to clean up")
}

func TestRegisterFromConfig(t *testing.T) {
	m, _ := newTestManager(t, &fakeConn{})
	configs := []ServerConfig{testConfig("a"), testConfig("b")}
	require.NoError(t, m.RegisterFromConfig(configs, map[string]Dispatcher{
		"a": Passthrough{},
	}))
	assert.Equal(t, []string{"a", "b"}, m.ListServers())
}
