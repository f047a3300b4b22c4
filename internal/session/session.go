// Package session implements the Backend Session: one per configured
// backend, owning its child process, stdio pipes, outstanding-request
// table, and a request/response RPC façade. Grounded in
// cmtonkinson-brain/host-mcp-gateway's ManagedServer (spawn via
// exec.Command with piped stdin/stdout/stderr, a single reader goroutine,
// a request-channel-fed worker, and an exit-watcher that reaps the child
// and optionally respawns it per restart policy).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/config"
	"github.com/triage-ai/mcp-gateway/internal/jsonrpc"
)

// State is a BackendSession's lifecycle state, per spec.md §3.
type State string

const (
	StateNotStarted  State = "not_started"
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
	StateFailed      State = "failed"
)

const gatewayProtocolVersion = "2024-11-05"
const terminationGrace = 3 * time.Second

// ToolDescriptor mirrors the MCP tools/list entry shape; opaque beyond name.
type ToolDescriptor = map[string]any

// pendingEntry is the reservation of one backend-local request id awaiting
// its response or deadline, per spec.md's invariants.
type pendingEntry struct {
	resultCh chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// Session owns one backend child process.
type Session struct {
	cfg    config.Backend
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	exited      chan struct{} // closed by waitForExit's single cmd.Wait(), per spawn
	stdin       io.WriteCloser
	writer      *jsonrpc.Writer
	nextID      int64
	pending     map[int64]*pendingEntry
	initialized bool
	failErr     error
	readyCh     chan struct{} // closed when state leaves Starting

	toolsCacheMu sync.Mutex
	toolsCache   []ToolDescriptor
	toolsCached  bool

	restartGuard sync.Mutex // prevents concurrent respawn races from waitForExit
	restartHook  RestartHook
}

// New constructs a not-yet-started Session for the given backend config.
func New(cfg config.Backend, logger *zap.Logger) *Session {
	return &Session{
		cfg:     cfg,
		logger:  logger,
		state:   StateNotStarted,
		pending: make(map[int64]*pendingEntry),
		readyCh: make(chan struct{}),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the backend name this session serves.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Start spawns the child process and performs the MCP initialize handshake.
// It blocks until the session is Ready or Failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReady || s.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.readyCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		s.fail(err)
		return err
	}

	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		_ = s.terminateProcess()
		return err
	}

	s.mu.Lock()
	s.state = StateReady
	s.initialized = true
	close(s.readyCh)
	s.mu.Unlock()

	s.logger.Info("backend_ready", zap.String("backend", s.cfg.Name))
	return nil
}

func (s *Session) spawn() error {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("session %s: stdin pipe: %w", s.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("session %s: stdout pipe: %w", s.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("session %s: stderr pipe: %w", s.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("session %s: spawn: %w", s.cfg.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.exited = make(chan struct{})
	s.stdin = stdin
	s.writer = jsonrpc.NewWriter(stdin)
	s.mu.Unlock()

	go s.readLoop(stdout)
	go s.drainStderr(stderr)
	go s.waitForExit()

	s.logger.Info("backend_spawned", zap.String("backend", s.cfg.Name), zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": gatewayProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "mcp-gateway", "version": "0.1.0"},
	}
	_, err := s.call(ctx, "initialize", params, s.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("session %s: initialize handshake: %w", s.cfg.Name, err)
	}
	return s.sendNotification("notifications/initialized", map[string]any{})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.failErr = err
	select {
	case <-s.readyCh:
	default:
		close(s.readyCh)
	}
	s.mu.Unlock()
	s.abortAllPending(fmt.Errorf("session %s: failed: %w", s.cfg.Name, err))
	s.logger.Error("backend_failed", zap.String("backend", s.cfg.Name), zap.Error(err))
}
