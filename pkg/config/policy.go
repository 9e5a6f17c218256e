package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
)

// Policy is the admission and selection profile loaded from YAML.
//
// Credential sources are either "env:NAME", present only while NAME is set
// and non-empty, or any other non-empty reference, which is taken as given.
type Policy struct {
	Version         string                `yaml:"version" json:"version"`
	AllowedBackends []string              `yaml:"allowed_backends" json:"allowed_backends"`
	Credentials     map[string]string     `yaml:"credentials" json:"credentials"`
	Rules           []gate.Rule           `yaml:"rules,omitempty" json:"rules,omitempty"`
	Selection       SelectionConfig       `yaml:"selection" json:"selection"`
	Catalog         []selection.Candidate `yaml:"catalog" json:"catalog"`
}

// SelectionConfig holds the selector defaults.
type SelectionConfig struct {
	Fallback          string `yaml:"fallback" json:"fallback"`
	LowLatencyDefault string `yaml:"low_latency_default" json:"low_latency_default"`
	LowLoadThreshold  int    `yaml:"low_load_threshold" json:"low_load_threshold"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Version:         "1.0.0",
		AllowedBackends: []string{"ibm_brisbane", "ibm_kyoto", "ibm_osaka"},
		Credentials: map[string]string{
			"ibm_brisbane": "env:IBM_QUANTUM_TOKEN",
			"ibm_kyoto":    "env:IBM_QUANTUM_TOKEN",
			"ibm_osaka":    "env:IBM_QUANTUM_TOKEN",
		},
		Selection: SelectionConfig{
			Fallback:          "ibm_brisbane",
			LowLatencyDefault: "ibm_brisbane",
			LowLoadThreshold:  10,
		},
		Catalog: []selection.Candidate{
			{Name: "ibm_brisbane", Operational: true, Capacity: 127},
			{Name: "ibm_kyoto", Operational: true, Capacity: 127},
			{Name: "ibm_osaka", Operational: true, Capacity: 127},
		},
	}
}

// LoadPolicy reads and validates a YAML policy. Unknown keys are rejected so
// a typo cannot silently drop a deny rule.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return &p, nil
}

// Validate checks the fields the gate and selector depend on.
func (p *Policy) Validate() error {
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", p.Version, err)
	}
	if p.Selection.Fallback == "" {
		return fmt.Errorf("selection.fallback is required")
	}
	if !slices.Contains(p.AllowedBackends, p.Selection.Fallback) {
		return fmt.Errorf("selection.fallback %q is not in allowed_backends", p.Selection.Fallback)
	}
	for i, r := range p.Rules {
		if r.Code == "" || r.Expr == "" {
			return fmt.Errorf("rules[%d]: code and expr are required", i)
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto the policy. An allow-list
// override must still contain selection.fallback or the selector refuses it.
func (p *Policy) ApplyEnv(cfg *Config) {
	if len(cfg.AllowedBackends) > 0 {
		p.AllowedBackends = append([]string(nil), cfg.AllowedBackends...)
	}
}

// GateConfig resolves credential sources through lookup (os.LookupEnv in
// production) and returns the gate's view of the policy.
func (p *Policy) GateConfig(lookup func(string) (string, bool)) gate.Config {
	creds := make(map[string]string, len(p.Credentials))
	for backend, src := range p.Credentials {
		src = strings.TrimSpace(src)
		if name, ok := strings.CutPrefix(src, "env:"); ok {
			if v, set := lookup(name); !set || strings.TrimSpace(v) == "" {
				continue
			}
		}
		if src != "" {
			creds[backend] = src
		}
	}
	return gate.Config{
		AllowedBackends: append([]string(nil), p.AllowedBackends...),
		Credentials:     creds,
	}
}

// SelectionPolicy returns the selector's view of the policy.
func (p *Policy) SelectionPolicy() selection.Policy {
	return selection.Policy{
		Version:           p.Version,
		AllowedBackends:   append([]string(nil), p.AllowedBackends...),
		Fallback:          p.Selection.Fallback,
		LowLatencyDefault: p.Selection.LowLatencyDefault,
		LowLoadThreshold:  p.Selection.LowLoadThreshold,
	}
}
