// Package config loads and validates the gateway's YAML configuration file,
// including ${VAR} / ${VAR:-default} interpolation against the process
// environment. Config loading is an external collaborator per the gateway's
// core scope — this package owns it end to end so the rest of the module
// only ever sees validated, fully-resolved structs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SecurityLevel classifies a backend's sensitivity for the Security Monitor.
type SecurityLevel string

const (
	LevelPublic    SecurityLevel = "public"
	LevelInternal  SecurityLevel = "internal"
	LevelSensitive SecurityLevel = "sensitive"
)

func (l SecurityLevel) valid() bool {
	switch l {
	case LevelPublic, LevelInternal, LevelSensitive:
		return true
	default:
		return false
	}
}

// RestartPolicy controls whether a backend's child process is respawned
// after it exits, independent of the Registry's respawn-on-next-call rule.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

const defaultRequestTimeout = 30 * time.Second
const defaultRestartBackoff = 2 * time.Second

// Backend is one configured downstream MCP server.
type Backend struct {
	Name           string
	Command        []string
	Env            map[string]string
	Description    string
	Timeout        time.Duration
	RestartPolicy  RestartPolicy
	RestartBackoff time.Duration
	SecurityLevel  SecurityLevel
}

// SecurityPolicy mirrors spec.md §3's SecurityPolicy flags.
type SecurityPolicy struct {
	PreventSensitiveToPublic     bool
	PreventSensitiveDataLeak     bool
	SQLInjectionProtection       bool
	BlockAfterSuspiciousActivity bool
	LogAllCrossBackendAccess     bool
	SessionTimeout               time.Duration
}

// Config is the fully resolved, validated gateway configuration.
type Config struct {
	Backends []Backend
	Policy   *SecurityPolicy // nil means "no policy": allow-all, trace still recorded.
}

// rawFile mirrors the on-disk YAML shape (§6).
type rawFile struct {
	Backends       map[string]rawBackend `yaml:"backends"`
	SecurityPolicy *rawPolicy            `yaml:"security_policy"`
}

type rawBackend struct {
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Description    string            `yaml:"description"`
	TimeoutMS      int               `yaml:"timeout_ms"`
	RestartPolicy  string            `yaml:"restart_policy"`
	RestartBackoff int               `yaml:"restart_backoff_ms"`
	SecurityLevel  string            `yaml:"security_level"`
}

type rawPolicy struct {
	PreventSensitiveToPublic     bool `yaml:"prevent_sensitive_to_public"`
	PreventSensitiveDataLeak     bool `yaml:"prevent_sensitive_data_leak"`
	SQLInjectionProtection       bool `yaml:"sql_injection_protection"`
	BlockAfterSuspiciousActivity bool `yaml:"block_after_suspicious_activity"`
	LogAllCrossBackendAccess     bool `yaml:"log_all_cross_backend_access"`
	SessionTimeoutSeconds        int  `yaml:"session_timeout_seconds"`
}

// Load reads, interpolates, and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	interpolated, err := interpolateEnv(string(data), os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var raw rawFile
	if err := yaml.Unmarshal([]byte(interpolated), &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawFile) (*Config, error) {
	if len(raw.Backends) == 0 {
		return nil, fmt.Errorf("config: at least one backend is required")
	}

	var policy *SecurityPolicy
	if raw.SecurityPolicy != nil {
		p := raw.SecurityPolicy
		timeout := time.Duration(p.SessionTimeoutSeconds) * time.Second
		policy = &SecurityPolicy{
			PreventSensitiveToPublic:     p.PreventSensitiveToPublic,
			PreventSensitiveDataLeak:     p.PreventSensitiveDataLeak,
			SQLInjectionProtection:       p.SQLInjectionProtection,
			BlockAfterSuspiciousActivity: p.BlockAfterSuspiciousActivity,
			LogAllCrossBackendAccess:     p.LogAllCrossBackendAccess,
			SessionTimeout:               timeout,
		}
	}

	backends := make([]Backend, 0, len(raw.Backends))
	for name, rb := range raw.Backends {
		if name == "" {
			return nil, fmt.Errorf("config: backend name must not be empty")
		}
		if rb.Command == "" {
			return nil, fmt.Errorf("config: backend %q: command is required", name)
		}

		level := SecurityLevel(rb.SecurityLevel)
		if policy != nil {
			if !level.valid() {
				return nil, fmt.Errorf("config: backend %q: security_level is required and must be one of public/internal/sensitive when security_policy is present", name)
			}
		} else if rb.SecurityLevel != "" && !level.valid() {
			return nil, fmt.Errorf("config: backend %q: invalid security_level %q", name, rb.SecurityLevel)
		}

		timeout := defaultRequestTimeout
		if rb.TimeoutMS > 0 {
			timeout = time.Duration(rb.TimeoutMS) * time.Millisecond
		}

		restartPolicy := RestartOnFailure
		if rb.RestartPolicy != "" {
			restartPolicy = RestartPolicy(rb.RestartPolicy)
			switch restartPolicy {
			case RestartNever, RestartOnFailure, RestartAlways:
			default:
				return nil, fmt.Errorf("config: backend %q: invalid restart_policy %q", name, rb.RestartPolicy)
			}
		}

		backoff := defaultRestartBackoff
		if rb.RestartBackoff > 0 {
			backoff = time.Duration(rb.RestartBackoff) * time.Millisecond
		}

		backends = append(backends, Backend{
			Name:           name,
			Command:        append([]string{rb.Command}, rb.Args...),
			Env:            rb.Env,
			Description:    rb.Description,
			Timeout:        timeout,
			RestartPolicy:  restartPolicy,
			RestartBackoff: backoff,
			SecurityLevel:  level,
		})
	}

	return &Config{Backends: backends, Policy: policy}, nil
}

// interpolationPattern matches ${VAR} and ${VAR:-default}.
var interpolationPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func interpolateEnv(input string, environ []string) (string, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var missing []string
	result := interpolationPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := interpolationPattern.FindStringSubmatch(match)
		name := groups[1]
		hasDefault := groups[2] != ""
		def := groups[3]

		if v, ok := env[name]; ok {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment variable(s) in config: %s", strings.Join(missing, ", "))
	}
	return result, nil
}
