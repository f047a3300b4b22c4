package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/jsonrpc"
)

// ErrAborted is returned to waiters whose session terminated or failed
// while their call was outstanding.
var ErrAborted = errors.New("session: call aborted")

// ErrTimeout is returned when a call's deadline elapses before a response
// arrives.
var ErrTimeout = errors.New("session: call timed out")

// Call issues a request to the backend and blocks for a response, a
// timeout, or session termination — whichever comes first. method/params
// match the MCP/JSON-RPC request shape; timeout overrides the session's
// configured default when positive.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateReady && method != "initialize" {
		return nil, fmt.Errorf("session %s: not ready (state=%s)", s.cfg.Name, state)
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	return s.call(ctx, method, params, timeout)
}

// call is the internal issuance path shared by the public Call and the
// handshake, which must run before the session is marked Ready.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	entry := &pendingEntry{resultCh: make(chan callOutcome, 1)}
	s.pending[id] = entry
	writer := s.writer
	s.mu.Unlock()

	if writer == nil {
		s.removePending(id)
		return nil, fmt.Errorf("session %s: not started", s.cfg.Name)
	}

	frame, err := jsonrpc.NewRequest(jsonrpc.NewID(float64(id)), method, params)
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("session %s: encode request: %w", s.cfg.Name, err)
	}

	if err := writer.WriteFrame(frame); err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("session %s: write request: %w", s.cfg.Name, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case outcome := <-entry.resultCh:
		return outcome.result, outcome.err
	case <-deadline.C:
		s.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// sendNotification writes a fire-and-forget frame; no pending entry, no
// response expected.
func (s *Session) sendNotification(method string, params any) error {
	s.mu.Lock()
	writer := s.writer
	s.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("session %s: not started", s.cfg.Name)
	}
	frame, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return writer.WriteFrame(frame)
}

func (s *Session) removePending(id int64) (*pendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return entry, ok
}

func (s *Session) abortAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingEntry)
	s.mu.Unlock()
	for _, entry := range pending {
		entry.resultCh <- callOutcome{err: err}
	}
}

// readLoop is the session's single reader over the child's stdout. It
// dispatches response frames to waiters, logs notifications, and answers
// backend-initiated requests with -32601 since this gateway does not
// support server-initiated requests from backends.
func (s *Session) readLoop(stdout io.Reader) {
	reader := jsonrpc.NewReader(stdout)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if perr, ok := err.(*jsonrpc.ParseError); ok {
				s.logger.Warn("backend_parse_error", zap.String("backend", s.cfg.Name), zap.Error(perr.Err))
				continue
			}
			// EOF or other read error: stdout closed, the exit-watcher
			// will observe the process exit and clean up pending calls.
			return
		}

		switch {
		case frame.IsResult() || frame.IsError():
			s.dispatchResponse(frame)
		case frame.IsNotification():
			s.logger.Info("backend_notification", zap.String("backend", s.cfg.Name), zap.String("method", frame.Method))
		case frame.IsRequest():
			s.logger.Warn("backend_request_unsupported", zap.String("backend", s.cfg.Name), zap.String("method", frame.Method))
			errFrame := jsonrpc.NewError(frame.RequestID(), jsonrpc.CodeMethodNotFound, "server-initiated requests are not supported", nil)
			s.mu.Lock()
			writer := s.writer
			s.mu.Unlock()
			if writer != nil {
				_ = writer.WriteFrame(errFrame)
			}
		}
	}
}

func (s *Session) dispatchResponse(frame *jsonrpc.Frame) {
	id, ok := frame.RequestID().Value().(float64)
	if !ok {
		s.logger.Warn("backend_response_bad_id", zap.String("backend", s.cfg.Name))
		return
	}
	entry, ok := s.removePending(int64(id))
	if !ok {
		s.logger.Warn("backend_response_unknown_id", zap.String("backend", s.cfg.Name), zap.Float64("id", id))
		return
	}
	if frame.IsError() {
		entry.resultCh <- callOutcome{err: fmt.Errorf("backend error %d: %s", frame.Error.Code, frame.Error.Message)}
		return
	}
	entry.resultCh <- callOutcome{result: frame.Result}
}

func (s *Session) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Warn("backend_stderr", zap.String("backend", s.cfg.Name), zap.String("line", scanner.Text()))
	}
}
