// Package selection picks the execution backend for an admitted request and
// records an auditable trace of why.
//
// The algorithm is first-match-wins over four steps; every step appends one
// reason code whether or not it matched, so a stored Decision replays the
// whole path that led to the choice:
//
//  1. filter to operational, large-enough, allow-listed candidates
//     (NO_SUITABLE_CANDIDATES → fixed fallback, else CANDIDATES_FILTERED);
//     the fallback is itself allow-listed, so no path leaves the allow-list
//  2. low-latency default under its load threshold (DEFAULT_LOW_LOAD,
//     DEFAULT_UNAVAILABLE, DEFAULT_LOAD_HIGH)
//  3. caller preference (PREFERRED_SELECTED, PREFERRED_REJECTED, PREFERRED_NONE)
//  4. lowest load, ties by name (LOWEST_LOAD)
package selection

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/qledger/pkg/canonicalize"
)

// Reason codes.
const (
	CodeNoSuitableCandidates = "NO_SUITABLE_CANDIDATES"
	CodeCandidatesFiltered   = "CANDIDATES_FILTERED"
	CodeDefaultLowLoad       = "DEFAULT_LOW_LOAD"
	CodeDefaultUnavailable   = "DEFAULT_UNAVAILABLE"
	CodeDefaultLoadHigh      = "DEFAULT_LOAD_HIGH"
	CodePreferredSelected    = "PREFERRED_SELECTED"
	CodePreferredRejected    = "PREFERRED_REJECTED"
	CodePreferredNone        = "PREFERRED_NONE"
	CodeLowestLoad           = "LOWEST_LOAD"
)

// Candidate rejection codes.
const (
	RejectNotOperational       = "NOT_OPERATIONAL"
	RejectInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	RejectNotAllowed           = "NOT_ALLOWED"
)

// Candidate is one execution backend as reported by the backend catalogue.
type Candidate struct {
	Name        string `json:"name"`
	Operational bool   `json:"operational"`
	Capacity    int    `json:"capacity"` // qubits
	Load        int    `json:"load"`     // pending jobs
}

// CandidateEval is the filter outcome for one candidate.
type CandidateEval struct {
	Name       string   `json:"name"`
	Load       int      `json:"load"`
	Eligible   bool     `json:"eligible"`
	Rejections []string `json:"rejections"`
}

// Decision is the selection outcome. It is attached to an evidence entry as
// its policy trace.
type Decision struct {
	Selected         string          `json:"selected"`
	Candidates       []CandidateEval `json:"candidates"`
	ReasonCodes      []string        `json:"reason_codes"`
	RequiredCapacity int             `json:"required_capacity"`
	Preferred        string          `json:"preferred,omitempty"`
	PolicyVersion    string          `json:"policy_version"`
	DecisionHash     string          `json:"decision_hash"`
}

// CanonicalValue implements canonicalize.Valuer. The hash field is left out
// so the hash can be recomputed from the remaining fields.
func (d Decision) CanonicalValue() any {
	cands := make([]any, len(d.Candidates))
	for i, c := range d.Candidates {
		rej := make([]any, len(c.Rejections))
		for j, r := range c.Rejections {
			rej[j] = r
		}
		cands[i] = map[string]any{
			"name":       c.Name,
			"load":       c.Load,
			"eligible":   c.Eligible,
			"rejections": rej,
		}
	}
	codes := make([]any, len(d.ReasonCodes))
	for i, c := range d.ReasonCodes {
		codes[i] = c
	}
	return map[string]any{
		"selected":          d.Selected,
		"candidates":        cands,
		"reason_codes":      codes,
		"required_capacity": d.RequiredCapacity,
		"preferred":         d.Preferred,
		"policy_version":    d.PolicyVersion,
	}
}

// ComputeHash returns the canonical SHA-256 of the decision without its hash.
func (d Decision) ComputeHash() (string, error) {
	h, err := canonicalize.CanonicalHash(d)
	if err != nil {
		return "", fmt.Errorf("selection: decision hash: %w", err)
	}
	return "sha256:" + h, nil
}

// Verify reports whether DecisionHash matches the decision's content.
func (d Decision) Verify() bool {
	h, err := d.ComputeHash()
	return err == nil && h == d.DecisionHash
}

// Policy configures the selector.
type Policy struct {
	Version         string   `json:"version" yaml:"version"`
	AllowedBackends []string `json:"allowed_backends" yaml:"allowed_backends"`
	// Fallback is selected when no candidate survives filtering. It must be
	// one of AllowedBackends.
	Fallback string `json:"fallback" yaml:"fallback"`
	// LowLatencyDefault is preferred over everything else while its load is
	// strictly below LowLoadThreshold.
	LowLatencyDefault string `json:"low_latency_default" yaml:"low_latency_default"`
	LowLoadThreshold  int    `json:"low_load_threshold" yaml:"low_load_threshold"`
}

// Selector applies a Policy. It is immutable after construction.
type Selector struct {
	policy  Policy
	allowed map[string]bool
}

// NewSelector validates the policy. Version must be a semantic version so
// stored decisions can be matched to the policy that produced them.
func NewSelector(p Policy) (*Selector, error) {
	if _, err := semver.NewVersion(p.Version); err != nil {
		return nil, fmt.Errorf("selection: policy version %q: %w", p.Version, err)
	}
	if p.Fallback == "" {
		return nil, fmt.Errorf("selection: fallback backend is required")
	}
	allowed := make(map[string]bool, len(p.AllowedBackends))
	for _, b := range p.AllowedBackends {
		allowed[b] = true
	}
	if !allowed[p.Fallback] {
		return nil, fmt.Errorf("selection: fallback backend %q is not allow-listed", p.Fallback)
	}
	return &Selector{policy: p, allowed: allowed}, nil
}

// Policy returns a copy of the selector's policy.
func (s *Selector) Policy() Policy {
	p := s.policy
	p.AllowedBackends = append([]string(nil), s.policy.AllowedBackends...)
	return p
}

// Select picks a backend. Identical inputs give identical decisions,
// reason codes and hash included. The only error is a decision that cannot
// be hashed, which means a candidate or preferred name is not valid UTF-8.
func (s *Selector) Select(candidates []Candidate, requiredCapacity int, preferred string) (Decision, error) {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	d := Decision{
		Candidates:       make([]CandidateEval, 0, len(sorted)),
		ReasonCodes:      make([]string, 0, 4),
		RequiredCapacity: requiredCapacity,
		Preferred:        preferred,
		PolicyVersion:    s.policy.Version,
	}

	// Step 1: filter.
	eligible := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		ev := CandidateEval{Name: c.Name, Load: c.Load, Rejections: []string{}}
		if !c.Operational {
			ev.Rejections = append(ev.Rejections, RejectNotOperational)
		}
		if c.Capacity < requiredCapacity {
			ev.Rejections = append(ev.Rejections, RejectInsufficientCapacity)
		}
		if !s.allowed[c.Name] {
			ev.Rejections = append(ev.Rejections, RejectNotAllowed)
		}
		ev.Eligible = len(ev.Rejections) == 0
		if ev.Eligible {
			eligible = append(eligible, c)
		}
		d.Candidates = append(d.Candidates, ev)
	}
	if len(eligible) == 0 {
		d.ReasonCodes = append(d.ReasonCodes, CodeNoSuitableCandidates)
		return s.finish(d, s.policy.Fallback)
	}
	d.ReasonCodes = append(d.ReasonCodes, CodeCandidatesFiltered)

	// Step 2: low-latency default.
	if def, ok := find(eligible, s.policy.LowLatencyDefault); !ok {
		d.ReasonCodes = append(d.ReasonCodes, CodeDefaultUnavailable)
	} else if def.Load < s.policy.LowLoadThreshold {
		d.ReasonCodes = append(d.ReasonCodes, CodeDefaultLowLoad)
		return s.finish(d, def.Name)
	} else {
		d.ReasonCodes = append(d.ReasonCodes, CodeDefaultLoadHigh)
	}

	// Step 3: caller preference.
	switch {
	case preferred == "":
		d.ReasonCodes = append(d.ReasonCodes, CodePreferredNone)
	default:
		if _, ok := find(eligible, preferred); ok {
			d.ReasonCodes = append(d.ReasonCodes, CodePreferredSelected)
			return s.finish(d, preferred)
		}
		d.ReasonCodes = append(d.ReasonCodes, CodePreferredRejected)
	}

	// Step 4: lowest load; eligible is name-sorted so the first minimum wins ties.
	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.Load < best.Load {
			best = c
		}
	}
	d.ReasonCodes = append(d.ReasonCodes, CodeLowestLoad)
	return s.finish(d, best.Name)
}

func (s *Selector) finish(d Decision, selected string) (Decision, error) {
	d.Selected = selected
	h, err := d.ComputeHash()
	if err != nil {
		return Decision{}, err
	}
	d.DecisionHash = h
	return d, nil
}

func find(cands []Candidate, name string) (Candidate, bool) {
	if name == "" {
		return Candidate{}, false
	}
	for _, c := range cands {
		if c.Name == name {
			return c, true
		}
	}
	return Candidate{}, false
}
