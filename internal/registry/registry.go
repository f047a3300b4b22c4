// Package registry implements the Backend Registry: a name→Session map
// that guarantees at-most-one live child process per backend name,
// serializes concurrent get() calls against the same name, and drives
// parallel, grace-bounded shutdown of every session it owns. Grounded in
// cmtonkinson-brain/host-mcp-gateway's Gateway.servers map plus
// VikashLoomba-mcp-client-manager-go/pkg/mcpmgr's managedState
// connecting/connectCh pattern for de-duplicating concurrent spawns of
// the same backend.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/config"
	"github.com/triage-ai/mcp-gateway/internal/session"
)

const defaultShutdownGrace = 5 * time.Second

// entry wraps a Session with the connect-coordination state needed to
// let a second caller that finds the backend Starting await the same
// spawn instead of racing a second child into existence.
type entry struct {
	sess *session.Session

	mu         sync.Mutex
	connecting bool
	connectCh  chan struct{}
	connectErr error
}

// Registry owns one Session per configured backend.
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	backends map[string]config.Backend
	entries  map[string]*entry

	restartHook func(backendName string)
}

// New constructs a Registry from the loaded backend configs. No sessions
// are spawned yet; spawn policy is lazy (first Get call) unless the
// caller later invokes StartEager.
func New(backends []config.Backend, logger *zap.Logger) *Registry {
	byName := make(map[string]config.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	return &Registry{
		logger:   logger,
		backends: byName,
		entries:  make(map[string]*entry),
	}
}

// SetRestartHook installs a callback invoked whenever any session under
// this registry proactively respawns its child process, so the caller
// (typically the telemetry layer) can count it without the registry or
// session packages depending on telemetry directly.
func (r *Registry) SetRestartHook(hook func(backendName string)) {
	r.mu.Lock()
	r.restartHook = hook
	r.mu.Unlock()
}

// StartEager spawns every configured backend immediately, for callers
// that prefer eager over lazy spawn policy. Errors from individual
// backends are logged, not returned, since a single misbehaving backend
// must not block gateway startup.
func (r *Registry) StartEager(ctx context.Context) {
	for name := range r.backends {
		if _, err := r.Get(ctx, name); err != nil {
			r.logger.Warn("backend_eager_start_failed", zap.String("backend", name), zap.Error(err))
		}
	}
}

// Get returns a Ready session for name, spawning or awaiting an in-flight
// spawn as needed. Per spec: if the existing instance is Failed or
// Terminated, it is replaced with a fresh instance and respawned. Unknown
// backend names return an error.
func (r *Registry) Get(ctx context.Context, name string) (*session.Session, error) {
	cfg, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown backend %q", name)
	}

	for {
		e := r.entryFor(name, cfg)

		e.mu.Lock()
		if e.connecting {
			ch := e.connectCh
			e.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			e.mu.Lock()
			sess, err := e.sess, e.connectErr
			e.mu.Unlock()
			if err != nil {
				// The spawn this caller waited on failed; loop to retry
				// with a fresh entry rather than returning a stale error
				// to every subsequent caller forever.
				continue
			}
			return sess, nil
		}

		switch e.sess.State() {
		case session.StateReady, session.StateStarting:
			e.mu.Unlock()
			return e.sess, nil
		case session.StateFailed, session.StateTerminated:
			// Replace with a fresh instance below.
		default:
			e.mu.Unlock()
			return e.sess, nil
		}

		e.connecting = true
		e.connectCh = make(chan struct{})
		fresh := r.newSession(cfg)
		e.sess = fresh
		e.mu.Unlock()

		err := fresh.Start(ctx)

		e.mu.Lock()
		e.connecting = false
		e.connectErr = err
		close(e.connectCh)
		e.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("registry: start backend %q: %w", name, err)
		}
		return fresh, nil
	}
}

func (r *Registry) entryFor(name string, cfg config.Backend) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &entry{sess: r.newSession(cfg)}
		r.entries[name] = e
	}
	return e
}

func (r *Registry) newSession(cfg config.Backend) *session.Session {
	sess := session.New(cfg, r.logger.With(zap.String("backend", cfg.Name)))
	r.mu.Lock()
	hook := r.restartHook
	r.mu.Unlock()
	if hook != nil {
		sess.SetRestartHook(hook)
	}
	return sess
}

// Names returns every configured backend name, regardless of whether it
// has been spawned yet.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// Backend returns the configured Backend for name, for callers (security
// evaluators, dispatcher) that need static config without forcing a spawn.
func (r *Registry) Backend(name string) (config.Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Shutdown terminates every spawned session in parallel, bounded by
// grace. Backends that were never started are skipped.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) {
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		sessions = append(sessions, e.sess)
		e.mu.Unlock()
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := s.Terminate(ctx); err != nil {
				r.logger.Warn("backend_shutdown_failed", zap.String("backend", s.Name()), zap.Error(err))
			}
		}(sess)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("registry_shutdown_grace_exceeded")
	}
}
