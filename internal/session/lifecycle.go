package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// RestartHook is invoked whenever the session's exit-watcher respawns the
// child process per restart policy, so the registry's metrics can count it
// without the session package depending on telemetry directly.
type RestartHook func(backendName string)

// SetRestartHook registers a callback for proactive restarts. Must be
// called before Start for the first restart to be observed reliably, but
// is safe to set at any time.
func (s *Session) SetRestartHook(hook RestartHook) {
	s.mu.Lock()
	s.restartHook = hook
	s.mu.Unlock()
}

func (s *Session) waitForExit() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()
	// This is the process's one and only cmd.Wait() call; Terminate
	// synchronizes on this channel rather than calling Wait itself.
	if exited != nil {
		close(exited)
	}
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	wasTerminating := s.state == StateTerminating
	s.state = StateTerminated
	s.cmd = nil
	s.stdin = nil
	s.writer = nil
	hook := s.restartHook
	s.mu.Unlock()

	s.toolsCacheMu.Lock()
	s.toolsCache = nil
	s.toolsCached = false
	s.toolsCacheMu.Unlock()

	s.abortAllPending(fmt.Errorf("session %s: %w: child exited (code=%d)", s.cfg.Name, ErrAborted, code))
	s.logger.Warn("backend_exited", zap.String("backend", s.cfg.Name), zap.Int("exit_code", code), zap.Bool("requested", wasTerminating))

	if wasTerminating {
		return
	}

	shouldRestart := s.cfg.RestartPolicy == "always" || (s.cfg.RestartPolicy == "on-failure" && code != 0)
	if !shouldRestart {
		return
	}

	s.restartGuard.Lock()
	defer s.restartGuard.Unlock()
	time.Sleep(s.cfg.RestartBackoff)
	if hook != nil {
		hook(s.cfg.Name)
	}
	if err := s.Start(context.Background()); err != nil {
		s.logger.Error("backend_restart_failed", zap.String("backend", s.cfg.Name), zap.Error(err))
	}
}

// Terminate closes stdin, waits up to a grace period for the child to exit,
// then kills it forcefully. All outstanding waiters complete with
// ErrAborted. Safe to call on a session that never started.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateNotStarted || s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminating
	stdin := s.stdin
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// waitForExit owns the one and only cmd.Wait() call for this process;
	// calling it again here would race on *exec.Cmd's unsynchronized
	// internal state. Wait for it to close exited instead.
	select {
	case <-exited:
	case <-time.After(terminationGrace):
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	return nil
}

func (s *Session) terminateProcess() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// DiscoverTools returns the backend's tools/list result, issuing the call
// once and caching the result until the session terminates.
func (s *Session) DiscoverTools(ctx context.Context) ([]ToolDescriptor, error) {
	s.toolsCacheMu.Lock()
	if s.toolsCached {
		cached := s.toolsCache
		s.toolsCacheMu.Unlock()
		return cached, nil
	}
	s.toolsCacheMu.Unlock()

	raw, err := s.Call(ctx, "tools/list", map[string]any{}, 0)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("session %s: parse tools/list: %w", s.cfg.Name, err)
	}

	s.toolsCacheMu.Lock()
	s.toolsCache = parsed.Tools
	s.toolsCached = true
	s.toolsCacheMu.Unlock()

	return parsed.Tools, nil
}

// FailErr returns the error that caused a Failed state, if any.
func (s *Session) FailErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}
