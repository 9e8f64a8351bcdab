// Package policy evaluates administrative tool requests against an ordered
// rule set loaded from policy.yaml.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Wildcard matches every tool that has no exact rule.
const Wildcard = "*"

// Action is what a matching rule does with a request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Policy is a complete policy.yaml document.
type Policy struct {
	Version  string    `yaml:"version" json:"version"`
	Defaults *Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Rules    []Rule    `yaml:"rules" json:"rules"`

	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// Defaults apply when no rule matches the requested tool, and fill unset
// fields of matching allow rules.
type Defaults struct {
	DryRun          *bool `yaml:"dry_run,omitempty" json:"dry_run,omitempty"`
	RequireApproval *bool `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
}

// Rule governs one tool, or every unmatched tool when Tool is "*".
type Rule struct {
	Tool            string      `yaml:"tool" json:"tool"`
	Action          Action      `yaml:"action" json:"action"`
	RequireApproval *bool       `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	DryRunFirst     *bool       `yaml:"dry_run_first,omitempty" json:"dry_run_first,omitempty"`
	Conditions      *Conditions `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Reason          string      `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Conditions narrow an allow rule. Every non-empty list must be satisfied.
// Hosts and paths are glob patterns; hours are local "HH:MM-HH:MM" ranges.
type Conditions struct {
	Users      []string `yaml:"users,omitempty" json:"users,omitempty"`
	Hosts      []string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	HoursAllow []string `yaml:"hours_allow,omitempty" json:"hours_allow,omitempty"`
	PathsAllow []string `yaml:"paths_allow,omitempty" json:"paths_allow,omitempty"`
	PathsDeny  []string `yaml:"paths_deny,omitempty" json:"paths_deny,omitempty"`
	NamesAllow []string `yaml:"names_allow,omitempty" json:"names_allow,omitempty"`
}

// Default returns the policy used when no policy file exists: no rules,
// every apply dry-runs first and needs approval.
func Default() *Policy {
	p := &Policy{Version: "1"}
	applyDefaults(p)
	p.ComputeHash([]byte("default"))
	return p
}

// ComputeHash sets Hash and VersionTag ("{version}:sha256:{first8}").
func (p *Policy) ComputeHash(content []byte) {
	sum := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(sum[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Version, p.Hash[:8])
}

func boolPtr(b bool) *bool { return &b }

func applyDefaults(p *Policy) {
	if p.Version == "" {
		p.Version = "1"
	}
	if p.Defaults == nil {
		p.Defaults = &Defaults{}
	}
	if p.Defaults.DryRun == nil {
		p.Defaults.DryRun = boolPtr(true)
	}
	if p.Defaults.RequireApproval == nil {
		p.Defaults.RequireApproval = boolPtr(true)
	}
}
