package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/triage-ai/mcp-gateway/internal/config"
	"github.com/triage-ai/mcp-gateway/internal/session"
)

func echoScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backend.sh")
	script := "#!/bin/sh\n" + `
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  [ -n "$id" ] && printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
done
`
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func testRegistry(t *testing.T, names ...string) *Registry {
	t.Helper()
	script := echoScript(t)
	backends := make([]config.Backend, 0, len(names))
	for _, n := range names {
		backends = append(backends, config.Backend{
			Name:    n,
			Command: []string{"/bin/sh", script},
			Timeout: 2 * time.Second,
		})
	}
	return New(backends, zaptest.NewLogger(t))
}

func TestRegistryGetSpawnsAndReturnsSameSession(t *testing.T) {
	r := testRegistry(t, "echo")
	ctx := context.Background()

	first, err := r.Get(ctx, "echo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := r.Get(ctx, "echo")
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if first != second {
		t.Fatal("expected the same Session instance on successive Get calls")
	}
	r.Shutdown(ctx, time.Second)
}

func TestRegistryUnknownBackendErrors(t *testing.T) {
	r := testRegistry(t, "echo")
	if _, err := r.Get(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestRegistryConcurrentGetSpawnsExactlyOneChild(t *testing.T) {
	r := testRegistry(t, "echo")
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sess, err := r.Get(ctx, "echo")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[idx] = sess.Name()
		}(i)
	}
	wg.Wait()

	r.mu.Lock()
	entryCount := len(r.entries)
	r.mu.Unlock()
	if entryCount != 1 {
		t.Fatalf("expected exactly one registry entry, got %d", entryCount)
	}
	for _, name := range results {
		if name != "echo" {
			t.Fatalf("unexpected backend name in result set: %q", name)
		}
	}
	r.Shutdown(ctx, time.Second)
}

func TestRegistryShutdownTerminatesAllSessions(t *testing.T) {
	r := testRegistry(t, "a", "b")
	ctx := context.Background()

	if _, err := r.Get(ctx, "a"); err != nil {
		t.Fatalf("Get a: %v", err)
	}
	if _, err := r.Get(ctx, "b"); err != nil {
		t.Fatalf("Get b: %v", err)
	}

	r.Shutdown(ctx, 2*time.Second)

	for _, name := range []string{"a", "b"} {
		r.mu.Lock()
		e := r.entries[name]
		r.mu.Unlock()
		e.mu.Lock()
		state := e.sess.State()
		e.mu.Unlock()
		if state != session.StateTerminated {
			t.Fatalf("backend %q: expected terminated, got %s", name, state)
		}
	}
}

func TestRegistryNamesListsConfiguredBackends(t *testing.T) {
	r := testRegistry(t, "a", "b")
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
