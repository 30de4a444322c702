// Package policy evaluates a tool call's capability string against glob
// patterns to decide allow/ask/deny, grounded on the teacher's
// internal/tools/policy package (Profile/Policy/matchToolPattern/
// NormalizeTool), generalized from the teacher's two-tier allow/deny
// profile model to the spec's three-tier deny>ask>allow precedence with
// an "ask" default for anything unmatched.
package policy

import (
	"strings"

	"github.com/relaygate/conduit/pkg/model"
)

// Policy is a set of glob-style capability patterns per decision tier.
// Deny is checked first, then Ask, then Allow; a capability matching none
// of the three defaults to Ask (spec invariant: unmatched capabilities
// are never silently allowed).
type Policy struct {
	Allow []string `yaml:"allow"`
	Ask   []string `yaml:"ask"`
	Deny  []string `yaml:"deny"`
}

// Decision explains which rule produced the outcome, for audit logging.
type Decision struct {
	Outcome model.PolicyDecision
	Reason  string
}

// NormalizeTool lowercases and trims a capability string. Kept as a
// distinct normalization step (rather than inlined) because capability
// strings arrive both from tool registration and from config-file glob
// patterns and must compare equal regardless of source casing.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Evaluate decides the policy outcome for capability under p.
func Evaluate(p *Policy, capability string) Decision {
	normalized := NormalizeTool(capability)
	if p == nil {
		return Decision{Outcome: model.DecisionAsk, Reason: "no policy configured"}
	}
	for _, pat := range p.Deny {
		if matchesPattern(pat, normalized) {
			return Decision{Outcome: model.DecisionDeny, Reason: "denied by rule: " + pat}
		}
	}
	for _, pat := range p.Ask {
		if matchesPattern(pat, normalized) {
			return Decision{Outcome: model.DecisionAsk, Reason: "ask by rule: " + pat}
		}
	}
	for _, pat := range p.Allow {
		if matchesPattern(pat, normalized) {
			return Decision{Outcome: model.DecisionAllow, Reason: "allowed by rule: " + pat}
		}
	}
	return Decision{Outcome: model.DecisionAsk, Reason: "no matching rule, default ask"}
}

// matchesPattern supports an exact match, a universal "*", a "prefix*"
// glob, and a "*suffix" glob, covering the shapes spec.md's policy
// section names ("mcp:*", "shell_*", "*_read").
func matchesPattern(pattern, capability string) bool {
	pattern = NormalizeTool(pattern)
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(pattern, "*") && len(pattern) > 1 {
		mid := pattern[1 : len(pattern)-1]
		return strings.Contains(capability, mid)
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(capability, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(capability, strings.TrimPrefix(pattern, "*"))
	}
	return pattern == capability
}
