package security

import (
	"math"
	"regexp"

	"github.com/triage-ai/mcp-gateway/internal/config"
)

// decision is what one evaluator concludes about a single routed call.
type decision struct {
	deny   bool
	reason string
	taint  bool // whether this decision, if it fires, sets the taint flag
}

func allow() decision { return decision{} }

func deny(reason string, taint bool) decision {
	return decision{deny: true, reason: reason, taint: taint}
}

// evalInput is the fixed shape every evaluator receives, per spec.md
// §4.4's "inputs per check".
type evalInput struct {
	backendName   string
	toolName      string
	argumentsJSON string
	securityLevel config.SecurityLevel
	policy        *config.SecurityPolicy
	trace         *Trace
}

// evaluator is a pure function of the call and current trace state. Pure
// in the sense of not mutating the trace itself — mutation (recording,
// tainting) is the Monitor's job after an evaluator has spoken.
type evaluator func(evalInput) decision

// sqlInjectionPatterns catalogues the token classes spec.md §4.4 decision
// 3 names: union-select, tautology clauses, comment terminators, stacked
// statements. Grounded in Triage-Sec-Palisade's argInjectionPatterns
// table, narrowed to SQL-shaped signatures (that pack's table also covers
// shell/command injection, which is out of scope for this decision).
var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bUNION\b.*\bSELECT\b`),
	regexp.MustCompile(`(?i)\b(OR|AND)\b\s*['"]?\s*\d+\s*=\s*\d+`),
	regexp.MustCompile(`(?i)\b(OR|AND)\b\s*['"][^'"]*['"]\s*=\s*['"][^'"]*['"]`),
	regexp.MustCompile(`--\s*$|--\s+`),
	regexp.MustCompile(`/\*.*\*/`),
	regexp.MustCompile(`;\s*(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER)\b`),
}

// sensitiveDataPatterns catalogues credential-shaped signatures per
// spec.md §4.4 decision 5 ("key-like tokens, connection strings, known
// credential prefixes"), grounded in Triage-Sec-Palisade's argPIIPatterns
// table for shape and in original_source/src/security/validators/api_key.py's
// API_KEY_PATTERNS for service-specific coverage (GitHub, Slack, Stripe,
// SendGrid, Twilio, Google), adapted from PII to credential signatures per
// the spec's wording.
var sensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),          // AWS access key id
	regexp.MustCompile(`(?i)\bAWS_SECRET_ACCESS_KEY\b`), // env-var-shaped leak
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bpostgres(?:ql)?://[^\s"']+`),
	regexp.MustCompile(`(?i)\bmysql://[^\s"']+`),
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-_.]{20,}\b`),
	regexp.MustCompile(`(?i)\bsk-[A-Za-z0-9]{20,}\b`), // common generic API-key prefix shape
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`),     // GitHub personal access token
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{36}\b`),     // GitHub OAuth token
	regexp.MustCompile(`\bxox[baprs]-[0-9]{10,13}-[0-9]{10,13}-[A-Za-z0-9]{24,34}\b`), // Slack token
	regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9]{24,}\b`),                       // Stripe secret key
	regexp.MustCompile(`\bSG\.[A-Za-z0-9_\-]{22}\.[A-Za-z0-9_\-]{43}\b`),              // SendGrid key
	regexp.MustCompile(`\bSK[a-f0-9]{32}\b`),                                         // Twilio key
	regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),                                 // Google API key
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// highEntropyTokenPattern isolates token-shaped substrings worth scoring:
// contiguous runs of base64/hex/identifier characters long enough that a
// short English word or UUID-like identifier isn't penalized on length
// alone. Grounded in original_source/src/security/validators/password.py's
// PasswordValidator, the catalogue's only entropy-based validator.
var highEntropyTokenPattern = regexp.MustCompile(`[A-Za-z0-9+/_\-]{24,}`)

// highEntropyBitsPerChar is the Shannon-entropy threshold (bits per
// character) above which a token-shaped string is treated as a likely
// random secret rather than natural-language or structured text. 4.0
// bits/char is close to the theoretical max for a 16-symbol hex alphabet
// (log2(16)=4) and comfortably below a 64-symbol base64 alphabet
// (log2(64)=6), so it catches both without flagging ordinary prose, which
// averages well under 4 bits/char. Mirrors password.py's min_entropy gate
// but computed on raw tool-argument text instead of a password match.
const highEntropyBitsPerChar = 4.0

// shannonEntropy computes the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	total := float64(len(s))
	var entropy float64
	for _, c := range counts {
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// containsHighEntropyToken reports whether s contains a token-shaped
// substring whose Shannon entropy clears highEntropyBitsPerChar,
// implementing spec.md decision 5's "high-entropy" half of "high-entropy
// or signature-matched sensitive patterns" independently of the fixed
// regex catalogue in sensitiveDataPatterns.
func containsHighEntropyToken(s string) bool {
	for _, tok := range highEntropyTokenPattern.FindAllString(s, -1) {
		if shannonEntropy(tok) >= highEntropyBitsPerChar {
			return true
		}
	}
	return false
}

// sessionExpiryEvaluator is spec.md §4.4 decision 1.
func sessionExpiryEvaluator(in evalInput) decision {
	if in.policy == nil || in.policy.SessionTimeout <= 0 {
		return allow()
	}
	if in.trace.Age() > in.policy.SessionTimeout {
		return deny("session expired", false)
	}
	return allow()
}

// taintGateEvaluator is spec.md §4.4 decision 2.
func taintGateEvaluator(in evalInput) decision {
	if in.policy == nil || !in.policy.BlockAfterSuspiciousActivity {
		return allow()
	}
	if in.trace.Tainted() {
		return deny("blocked after suspicious activity", false)
	}
	return allow()
}

// sqlInjectionEvaluator is spec.md §4.4 decision 3.
func sqlInjectionEvaluator(in evalInput) decision {
	if in.policy == nil || !in.policy.SQLInjectionProtection {
		return allow()
	}
	if matchesAny(sqlInjectionPatterns, in.argumentsJSON) {
		return deny("potential SQL injection", true)
	}
	return allow()
}

// crossBackendFlowEvaluator is spec.md §4.4 decision 4.
func crossBackendFlowEvaluator(in evalInput) decision {
	if in.policy == nil || !in.policy.PreventSensitiveToPublic {
		return allow()
	}
	if in.securityLevel != config.LevelPublic {
		return allow()
	}
	in.trace.mu.Lock()
	hadSensitive := in.trace.hadPriorSuccessAtLevel(config.LevelSensitive)
	in.trace.mu.Unlock()
	if hadSensitive {
		return deny("sensitive→public flow", true)
	}
	return allow()
}

// sensitiveDataLeakEvaluator is spec.md §4.4 decision 5: deny when
// arguments contain either a signature-matched credential (sensitiveDataPatterns)
// or a high-entropy token that matches neither pattern but still looks
// like a random secret (containsHighEntropyToken) — the two independent
// "or" branches the decision requires.
func sensitiveDataLeakEvaluator(in evalInput) decision {
	if in.policy == nil || !in.policy.PreventSensitiveDataLeak {
		return allow()
	}
	if matchesAny(sensitiveDataPatterns, in.argumentsJSON) || containsHighEntropyToken(in.argumentsJSON) {
		return deny("sensitive data in arguments", true)
	}
	return allow()
}

// orderedEvaluators is the fixed decision order spec.md §4.4 mandates:
// policy order, not declaration order. Default-allow is implicit: if
// none fire, the call is allowed.
var orderedEvaluators = []evaluator{
	sessionExpiryEvaluator,
	taintGateEvaluator,
	sqlInjectionEvaluator,
	crossBackendFlowEvaluator,
	sensitiveDataLeakEvaluator,
}
