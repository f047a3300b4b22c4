package security

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/config"
)

// Decision is the Monitor's verdict on one routed call, returned to the
// Gateway Dispatcher.
type Decision struct {
	Allowed bool
	Reason  string
}

// Monitor enforces policy on every routed call and owns the process-wide
// SessionTrace. One Monitor exists per gateway process.
type Monitor struct {
	policy *config.SecurityPolicy // nil: allow-all, trace still recorded.
	trace  *Trace
	logger *zap.Logger
}

// New constructs a Monitor. policy may be nil, per spec.md §9's resolved
// Open Question: absent policy means allow-all with tracing still on.
func New(policy *config.SecurityPolicy, logger *zap.Logger) *Monitor {
	return &Monitor{policy: policy, trace: NewTrace(), logger: logger}
}

// Check runs the ordered evaluators against one proposed call, records an
// AccessEntry either way, and returns the Monitor's Decision. arguments
// is the raw tool_arguments object the caller intends to send downstream.
func (m *Monitor) Check(backendName, toolName string, level config.SecurityLevel, arguments any) Decision {
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		argsJSON = []byte("{}")
	}

	in := evalInput{
		backendName:   backendName,
		toolName:      toolName,
		argumentsJSON: string(argsJSON),
		securityLevel: level,
		policy:        m.policy,
		trace:         m.trace,
	}

	var d decision
	for _, ev := range orderedEvaluators {
		d = ev(in)
		if d.deny {
			break
		}
	}

	outcome := OutcomeAllow
	if d.deny {
		outcome = OutcomeDeny
	}

	if d.taint {
		m.trace.mu.Lock()
		m.trace.setTaint()
		m.trace.mu.Unlock()
	}

	_, crossBackend := m.trace.record(backendName, toolName, string(level), outcome, d.reason)
	if crossBackend && m.policy != nil && m.policy.LogAllCrossBackendAccess {
		m.logger.Info("cross_backend_access",
			zap.String("backend", backendName),
			zap.String("tool", toolName),
			zap.String("outcome", string(outcome)),
		)
	}

	if d.deny {
		return Decision{Allowed: false, Reason: d.reason}
	}
	return Decision{Allowed: true}
}

// Status returns the security_status meta-tool's snapshot.
func (m *Monitor) Status() Snapshot {
	return m.trace.snapshot(m.policy)
}
