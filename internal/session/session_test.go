package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/triage-ai/mcp-gateway/internal/config"
)

// fakeBackendScript writes a tiny shell-driven MCP backend to a temp
// directory and returns its path. behavior selects canned response logic
// via an environment variable the script inspects, keeping the test
// fixture in one place rather than one script per scenario.
func fakeBackendScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

const echoBackendBody = `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05"}}\n' "$id"
      ;;
    tools/list)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"echo"}]}}\n' "$id"
      ;;
    tools/call)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
      ;;
    *)
      [ -n "$id" ] && printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
  esac
done
`

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func newReadySession(t *testing.T, backend config.Backend) *Session {
	t.Helper()
	s := New(backend, testLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready, got %s", s.State())
	}
	return s
}

func TestSessionStartAndCallRoundTrip(t *testing.T) {
	script := fakeBackendScript(t, echoBackendBody)
	s := newReadySession(t, config.Backend{
		Name:    "echo",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})
	defer s.Terminate(context.Background())

	raw, err := s.Call(context.Background(), "tools/call", map[string]any{"name": "echo"}, 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var result struct{ Ok bool }
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Ok {
		t.Fatalf("expected ok=true, got %+v", result)
	}
}

func TestSessionDiscoverToolsCaches(t *testing.T) {
	script := fakeBackendScript(t, echoBackendBody)
	s := newReadySession(t, config.Backend{
		Name:    "echo",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})
	defer s.Terminate(context.Background())

	first, err := s.DiscoverTools(context.Background())
	if err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	second, err := s.DiscoverTools(context.Background())
	if err != nil {
		t.Fatalf("DiscoverTools (cached): %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 cached tool on both calls, got %d and %d", len(first), len(second))
	}
	if first[0]["name"] != "echo" || second[0]["name"] != "echo" {
		t.Fatalf("unexpected tool descriptors: %+v / %+v", first, second)
	}
}

func TestSessionCallTimesOutAndRemovesPendingEntry(t *testing.T) {
	// A backend that answers initialize and tools/list but goes silent on
	// tools/call models a hung downstream tool call without also hanging
	// the later DiscoverTools check below.
	script := fakeBackendScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize) printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id" ;;
    tools/list) printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}\n' "$id" ;;
    *) ;; # tools/call and anything else: never respond
  esac
done
`)
	s := newReadySession(t, config.Backend{
		Name:    "hangs",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})
	defer s.Terminate(context.Background())

	_, err := s.Call(context.Background(), "tools/call", map[string]any{}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	s.mu.Lock()
	pendingCount := len(s.pending)
	s.mu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("expected pending table drained after timeout, got %d entries", pendingCount)
	}

	// The session itself must still be usable after a timeout; only the
	// timed-out call is abandoned, not the whole backend connection.
	if _, err := s.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("session unusable after prior call timed out: %v", err)
	}
}

func TestSessionTerminateAbortsOutstandingCalls(t *testing.T) {
	script := fakeBackendScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  if [ "$method" = "initialize" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
  fi
done
`)
	s := newReadySession(t, config.Backend{
		Name:    "hangs",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/call", map[string]any{}, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected call to abort on termination")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not unblock after Terminate")
	}
}

func TestSessionRestartPolicyAlwaysRespawns(t *testing.T) {
	// exits immediately after the handshake response; "always" should
	// trigger exactly one observable respawn via the restart hook.
	script := fakeBackendScript(t, `
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
exit 0
`)
	s := New(config.Backend{
		Name:           "flaky",
		Command:        []string{"/bin/sh", script},
		Timeout:        2 * time.Second,
		RestartPolicy:  config.RestartAlways,
		RestartBackoff: 10 * time.Millisecond,
	}, testLogger(t))

	restarted := make(chan string, 4)
	s.SetRestartHook(func(name string) { restarted <- name })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Terminate(context.Background())

	select {
	case name := <-restarted:
		if name != "flaky" {
			t.Fatalf("unexpected restart hook name: %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected at least one restart within 5s")
	}
}

func TestSessionReadLoopToleratesMalformedLine(t *testing.T) {
	// Backend emits one unparseable line, then behaves; the session must
	// log and continue rather than tearing down the reader.
	script := fakeBackendScript(t, `
read -r line
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
printf 'not json at all\n'
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"ok":true}}\n' "$id"
done
`)
	s := newReadySession(t, config.Backend{
		Name:    "noisy",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})
	defer s.Terminate(context.Background())

	raw, err := s.Call(context.Background(), "tools/call", map[string]any{}, 0)
	if err != nil {
		t.Fatalf("Call after malformed line: %v", err)
	}
	var result struct{ Ok bool }
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Ok {
		t.Fatalf("expected ok=true, got %+v", result)
	}
}

func TestSessionConcurrentCallsCorrelateByID(t *testing.T) {
	script := fakeBackendScript(t, `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  if [ "$method" = "initialize" ]; then
    printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
  else
    printf '{"jsonrpc":"2.0","id":%s,"result":{"echoed":%s}}\n' "$id" "$id"
  fi
done
`)
	s := newReadySession(t, config.Backend{
		Name:    "fanout",
		Command: []string{"/bin/sh", script},
		Timeout: 2 * time.Second,
	})
	defer s.Terminate(context.Background())

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			raw, err := s.Call(context.Background(), "tools/call", map[string]any{}, 0)
			if err != nil {
				errs <- err
				return
			}
			var result struct{ Echoed int64 }
			errs <- json.Unmarshal(raw, &result)
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent call %d failed: %v", i, err)
		}
	}
}

func TestSessionCallRejectedBeforeReady(t *testing.T) {
	s := New(config.Backend{Name: "unstarted", Command: []string{"/bin/true"}}, testLogger(t))
	_, err := s.Call(context.Background(), "tools/call", map[string]any{}, time.Second)
	if err == nil {
		t.Fatal("expected rejection for a session that never started")
	}
}
