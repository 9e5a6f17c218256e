// Package gate is the fail-closed admission check run before any mutating
// ledger operation.
//
// Evaluate is pure: it reads its arguments only, collects every violated rule
// instead of stopping at the first, and admits a request only when no rule
// fired.
package gate

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is the execution mode a request runs under.
type Mode string

const (
	ModeReal        Mode = "real"
	ModeDevelopment Mode = "development"
)

// ParseMode accepts "real"/"real_execution" and "development"/"dev".
// Anything else maps to ModeReal so a typo can never relax the gate.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return ModeDevelopment
	default:
		return ModeReal
	}
}

// Reason codes, in evaluation order.
const (
	CodeSimulateInRealMode = "SIMULATE_IN_REAL_MODE"
	CodeMockInRealMode     = "MOCK_IN_REAL_MODE"
	CodeBackendNotAllowed  = "BACKEND_NOT_ALLOWED"
	CodeNoExecutionTarget  = "NO_EXECUTION_TARGET"
	CodeRuleEvalError      = "RULE_EVAL_ERROR"
)

// Flags are the environment-style override switches.
type Flags struct {
	Simulate bool `json:"simulate" yaml:"simulate"`
	Mock     bool `json:"mock" yaml:"mock"`
}

// Config is the admission policy.
type Config struct {
	// AllowedBackends is the allow-list of backend identifiers.
	AllowedBackends []string `json:"allowed_backends" yaml:"allowed_backends"`
	// Credentials maps a backend to the name of its credential source
	// (an env var, a secret ref). An empty value counts as unconfigured.
	Credentials map[string]string `json:"credentials" yaml:"credentials"`
}

// Allows reports whether backend is on the allow-list.
func (c Config) Allows(backend string) bool {
	for _, b := range c.AllowedBackends {
		if b == backend {
			return true
		}
	}
	return false
}

// HasExecutionTarget reports whether at least one allowed backend has a
// credential source.
func (c Config) HasExecutionTarget() bool {
	for _, b := range c.AllowedBackends {
		if strings.TrimSpace(c.Credentials[b]) != "" {
			return true
		}
	}
	return false
}

// Result is the admission outcome.
type Result struct {
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes"`
}

// Err returns a *DeniedError when the request was denied, nil otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{ReasonCodes: append([]string(nil), r.ReasonCodes...)}
}

// Evaluate applies the four built-in rules.
func Evaluate(mode Mode, requestedBackend string, flags Flags, cfg Config) Result {
	codes := make([]string, 0, 4)

	if mode == ModeReal && flags.Simulate {
		codes = append(codes, CodeSimulateInRealMode)
	}
	if mode == ModeReal && flags.Mock {
		codes = append(codes, CodeMockInRealMode)
	}
	if !cfg.Allows(requestedBackend) {
		codes = append(codes, CodeBackendNotAllowed)
	}
	if !cfg.HasExecutionTarget() {
		codes = append(codes, CodeNoExecutionTarget)
	}

	return Result{Allowed: len(codes) == 0, ReasonCodes: codes}
}

// DeniedError carries the full reason-code list of a denied request.
type DeniedError struct {
	ReasonCodes []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", strings.Join(e.ReasonCodes, ","))
}

// SortedBackends returns the allow-list in a stable order, for logs and
// decision records.
func (c Config) SortedBackends() []string {
	out := append([]string(nil), c.AllowedBackends...)
	sort.Strings(out)
	return out
}
