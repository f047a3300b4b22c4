// Package security implements the Security Monitor: a process-wide
// stateful guard consulted on every routed call, maintaining the
// SessionTrace access log and enforcing the six ordered policy decisions
// from the gateway's security policy. Grounded in
// Triage-Sec-Palisade/services/tool_guard/internal/engine's evaluator
// shape, simplified from that pack's confidence-scored, aggregator-driven
// model down to spec's first-match-wins ordering.
package security

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triage-ai/mcp-gateway/internal/config"
)

// Outcome is the recorded result of one routed call.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
)

// AccessEntry is one row of the SessionTrace.
type AccessEntry struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	BackendName   string    `json:"backend_name"`
	ToolName      string    `json:"tool_name"`
	SecurityLevel string    `json:"security_level"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
}

// Trace is the Security Monitor's per-process state: the append-only
// access log plus the monotonic taint flag. One Trace exists per gateway
// process lifetime; reset is not supported (restart the process).
type Trace struct {
	mu sync.Mutex

	startedAt    time.Time
	lastActivity time.Time
	tainted      bool
	entries      []AccessEntry
}

// NewTrace creates a SessionTrace starting now.
func NewTrace() *Trace {
	now := time.Now()
	return &Trace{startedAt: now, lastActivity: now}
}

// Age reports how long this trace (i.e. this gateway process) has been
// running.
func (t *Trace) Age() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.startedAt)
}

// Tainted reports the current taint flag.
func (t *Trace) Tainted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tainted
}

// setTaint sets the monotonic taint flag; it never clears it.
func (t *Trace) setTaint() {
	t.tainted = true
}

// hadPriorSuccessAt reports whether any entry in the trace records a
// successful access to a backend at the given security level, evaluated
// under the caller's lock (internal helper, not exported).
func (t *Trace) hadPriorSuccessAtLevel(level config.SecurityLevel) bool {
	for _, e := range t.entries {
		if e.Outcome == OutcomeAllow && e.SecurityLevel == string(level) {
			return true
		}
	}
	return false
}

// lastBackend returns the backend name of the most recent entry, or "" if
// the trace is empty.
func (t *Trace) lastBackend() string {
	if len(t.entries) == 0 {
		return ""
	}
	return t.entries[len(t.entries)-1].BackendName
}

// record appends an AccessEntry and updates lastActivity under the
// trace's lock. Returns the recorded entry and whether this access
// followed a prior access to a different backend (for
// log_all_cross_backend_access).
func (t *Trace) record(backend, tool, level string, outcome Outcome, reason string) (AccessEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	crossBackend := t.lastBackend() != "" && t.lastBackend() != backend
	entry := AccessEntry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		BackendName:   backend,
		ToolName:      tool,
		SecurityLevel: level,
		Outcome:       outcome,
		Reason:        reason,
	}
	t.entries = append(t.entries, entry)
	t.lastActivity = time.Now()
	return entry, crossBackend
}

// Snapshot is the security_status meta-tool's return shape.
type Snapshot struct {
	SessionAgeSeconds float64                `json:"session_age_seconds"`
	Tainted           bool                   `json:"tainted"`
	AccessCounts      map[string]int         `json:"access_counts"`
	RecentEntries     []AccessEntry          `json:"recent_entries"`
	Policy            *config.SecurityPolicy `json:"policy,omitempty"`
}

const maxRecentEntries = 50

// snapshot builds a Snapshot under the trace's lock. policy is passed in
// rather than stored on Trace, since the Monitor owns policy and the
// Trace is policy-agnostic bookkeeping.
func (t *Trace) snapshot(policy *config.SecurityPolicy) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range t.entries {
		counts[e.BackendName]++
	}

	recent := t.entries
	if len(recent) > maxRecentEntries {
		recent = recent[len(recent)-maxRecentEntries:]
	}
	recentCopy := make([]AccessEntry, len(recent))
	copy(recentCopy, recent)

	return Snapshot{
		SessionAgeSeconds: time.Since(t.startedAt).Seconds(),
		Tainted:           t.tainted,
		AccessCounts:      counts,
		RecentEntries:     recentCopy,
		Policy:            policy,
	}
}
