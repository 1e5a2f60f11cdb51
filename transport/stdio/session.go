// Package stdio implements the process transport: one child process per
// session, newline-delimited JSON over its stdin/stdout, stderr captured for
// diagnostics.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolwire/toolwire/logx"
)

// Framing and lifecycle errors. Callers translate these into their own
// taxonomy; ErrServerClosed in particular is fatal to the session.
var (
	ErrServerClosed = errors.New("server closed connection")
	ErrClosed       = errors.New("session is closed")
	ErrInvalidJSON  = errors.New("received invalid JSON line")
)

const (
	// defaultStartupGrace is how long Connect waits before checking whether
	// the child already exited.
	defaultStartupGrace = 200 * time.Millisecond

	// defaultTerminateGrace is how long Close waits for a graceful exit
	// before force-killing.
	defaultTerminateGrace = 5 * time.Second

	// stderrTailSize bounds the retained stderr capture.
	stderrTailSize = 4096

	// maxLineSize bounds a single framed message.
	maxLineSize = 4 * 1024 * 1024
)

type readResult struct {
	data []byte
	err  error
}

// Session owns one child process and its pipes. It frames messages as
// newline-delimited JSON and enforces single-writer discipline. A Session is
// owned by exactly one client; it is destroyed on Close and never reused
// after a read deadline expires.
type Session struct {
	command string
	args    []string
	env     map[string]string
	logger  logx.Logger

	startupGrace   time.Duration
	terminateGrace time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *bufio.Writer
	wmu    sync.Mutex

	lines    chan readResult
	waitDone chan struct{}

	alive  atomic.Bool
	closed atomic.Bool
	nextID atomic.Int64

	stderrMu   sync.Mutex
	stderrTail []byte
}

// Option configures a Session.
type Option func(*Session)

// WithEnv sets extra environment variables for the child process.
func WithEnv(env map[string]string) Option {
	return func(s *Session) { s.env = env }
}

// WithLogger sets the session logger.
func WithLogger(logger logx.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithStartupGrace overrides the delay before the post-spawn exit check.
func WithStartupGrace(d time.Duration) Option {
	return func(s *Session) { s.startupGrace = d }
}

// WithTerminateGrace overrides how long Close waits before force-killing.
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Session) { s.terminateGrace = d }
}

// NewSession creates a session for the given command. The process is not
// started until Connect.
func NewSession(command string, args []string, opts ...Option) *Session {
	s := &Session{
		command:        command,
		args:           args,
		logger:         logx.NewDefaultLogger(),
		startupGrace:   defaultStartupGrace,
		terminateGrace: defaultTerminateGrace,
		lines:          make(chan readResult, 16),
		waitDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSessionFromPipes creates a session over an existing reader/writer pair
// instead of a child process. Used by tests and in-process workers.
func NewSessionFromPipes(r io.Reader, w io.Writer, opts ...Option) *Session {
	s := NewSession("", nil, opts...)
	s.writer = bufio.NewWriter(w)
	s.alive.Store(true)
	close(s.waitDone)
	go s.readLoop(r)
	return s
}

// Connect spawns the child process with piped stdin/stdout/stderr. After a
// short grace delay it verifies the process has not already exited; if it
// has, the captured stderr is returned in the error.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.cmd != nil {
		return fmt.Errorf("session already connected to %s", s.command)
	}

	cmd := exec.Command(s.command, s.args...)
	env := os.Environ()
	for k, v := range s.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process %s: %w", s.command, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.writer = bufio.NewWriter(stdin)
	s.alive.Store(true)

	go s.drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.alive.Store(false)
		if err != nil && !s.closed.Load() {
			s.logger.Warn("process %s (pid %d) exited: %v", s.command, cmd.Process.Pid, err)
		}
		close(s.waitDone)
	}()
	go s.readLoop(stdout)

	// Catch commands that die immediately (bad flags, missing interpreter)
	// before the first request is written.
	select {
	case <-s.waitDone:
		tail := s.StderrTail()
		return fmt.Errorf("process %s exited during startup: %s", s.command, tail)
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	case <-time.After(s.startupGrace):
	}

	s.logger.Debug("session connected to %s (pid %d)", s.command, cmd.Process.Pid)
	return nil
}

// WriteLine serializes one JSON value to exactly one line and flushes.
// Concurrent callers are serialized.
func (s *Session) WriteLine(v interface{}) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot send empty message")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	data = append(bytes.TrimRight(data, "\n"), '\n')
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

// ReadLine blocks until one line arrives from the child's stdout, the context
// expires, or the stream ends. End-of-stream is ErrServerClosed, never an
// empty success. After a context expiry the session must not be reused: the
// pending line may still arrive and would be misattributed.
func (s *Session) ReadLine(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return nil, ErrServerClosed
		}
		return res.data, res.err
	}
}

// NextID returns a strictly increasing request id scoped to this session.
func (s *Session) NextID() int64 {
	return s.nextID.Add(1)
}

// IsAlive reports process liveness without blocking.
func (s *Session) IsAlive() bool {
	return s.alive.Load() && !s.closed.Load()
}

// Pid returns the child process id, or 0 when no process is attached.
func (s *Session) Pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// StderrTail returns the most recent captured stderr output.
func (s *Session) StderrTail() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return string(bytes.TrimSpace(s.stderrTail))
}

// Close requests graceful termination, waits a bounded interval, and
// force-kills if the process has not exited. It is idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.alive.Store(false)

	// Closing stdin is the usual shutdown signal for line-oriented workers.
	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Debug("interrupt signal failed for pid %d: %v", s.cmd.Process.Pid, err)
	}

	select {
	case <-s.waitDone:
		return nil
	case <-time.After(s.terminateGrace):
	}

	s.logger.Warn("process %s (pid %d) did not exit within %v, killing", s.command, s.cmd.Process.Pid, s.terminateGrace)
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-s.waitDone
	return nil
}

// readLoop reads newline-delimited messages and hands them to ReadLine via a
// channel. One reader goroutine per session keeps the byte stream ordered.
func (s *Session) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			s.logger.Error("invalid JSON line from %s: %.200s", s.command, string(line))
			s.lines <- readResult{err: ErrInvalidJSON}
			continue
		}
		s.lines <- readResult{data: line}
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.logger.Error("error reading from %s: %v", s.command, err)
	}
	close(s.lines)
}

// drainStderr forwards the child's stderr to the logger and keeps a bounded
// tail for error reporting.
func (s *Session) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		s.logger.Debug("stderr[%s]: %s", s.command, string(line))
		s.stderrMu.Lock()
		s.stderrTail = append(s.stderrTail, line...)
		s.stderrTail = append(s.stderrTail, '\n')
		if over := len(s.stderrTail) - stderrTailSize; over > 0 {
			s.stderrTail = s.stderrTail[over:]
		}
		s.stderrMu.Unlock()
	}
}
