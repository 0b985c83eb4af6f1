package policy

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/pkg/types"
)

// RuleSet is the YAML shape of a rule policy.
type RuleSet struct {
	PolicyID      string   `yaml:"policy_id"`
	PolicyVersion string   `yaml:"policy_version"`
	Defaults      Defaults `yaml:"defaults"`
	Rules         []Rule   `yaml:"rules"`
}

type Defaults struct {
	Effect     string `yaml:"effect"`
	Reason     string `yaml:"reason"`
	ReasonCode string `yaml:"reason_code"`
}

type Rule struct {
	ID         string `yaml:"id"`
	Match      Match  `yaml:"match"`
	Effect     string `yaml:"effect"`
	Reason     string `yaml:"reason"`
	ReasonCode string `yaml:"reason_code"`
}

// Match selects calls by glob pattern. Empty fields match everything; the
// agent pattern is checked against the agent_id metadata key.
type Match struct {
	Action string `yaml:"action"`
	Agent  string `yaml:"agent"`
}

// RulePolicy evaluates a first-match rule table. Rules are ordered; the first
// rule whose match covers the call decides, otherwise the defaults apply.
type RulePolicy struct {
	set          RuleSet
	sourceDigest string
}

// LoadRules reads a YAML rule file. The source digest covers the raw bytes,
// so any edit to the file changes the policy hash.
func LoadRules(rulePath string) (*RulePolicy, error) {
	// #nosec G304 -- path is operator-configured.
	data, err := os.ReadFile(rulePath)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules builds a rule policy from YAML bytes.
func ParseRules(data []byte) (*RulePolicy, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("policy: parse rules: %w", err)
	}
	if set.PolicyID == "" {
		return nil, fmt.Errorf("policy: rule set has no policy_id")
	}
	if set.Defaults.Effect == "" {
		set.Defaults.Effect = string(types.DecisionDeny)
	}
	if _, err := parseEffect(set.Defaults.Effect); err != nil {
		return nil, fmt.Errorf("policy: defaults: %w", err)
	}
	for _, rule := range set.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("policy: rule without id")
		}
		if _, err := parseEffect(rule.Effect); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule.ID, err)
		}
		for _, pattern := range []string{rule.Match.Action, rule.Match.Agent} {
			if _, err := path.Match(pattern, ""); pattern != "" && err != nil {
				return nil, fmt.Errorf("policy: rule %q: bad pattern %q", rule.ID, pattern)
			}
		}
	}
	return &RulePolicy{set: set, sourceDigest: crypto.DigestHex(data)}, nil
}

func (p *RulePolicy) PolicyID() string      { return p.set.PolicyID }
func (p *RulePolicy) PolicyVersion() string { return p.set.PolicyVersion }
func (p *RulePolicy) SourceDigest() string  { return p.sourceDigest }

func (p *RulePolicy) Evaluate(ctx types.Context) (Result, error) {
	for _, rule := range p.set.Rules {
		if !rule.Match.covers(ctx) {
			continue
		}
		decision, err := parseEffect(rule.Effect)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Decision:   decision,
			Reason:     firstNonEmpty(rule.Reason, "matched rule "+rule.ID),
			ReasonCode: firstNonEmpty(rule.ReasonCode, defaultReasonCode(decision)),
		}, nil
	}

	decision, err := parseEffect(p.set.Defaults.Effect)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Decision:   decision,
		Reason:     firstNonEmpty(p.set.Defaults.Reason, "no rule matched"),
		ReasonCode: firstNonEmpty(p.set.Defaults.ReasonCode, defaultReasonCode(decision)),
	}, nil
}

func (m Match) covers(ctx types.Context) bool {
	if !matchPattern(m.Action, ctx.Action) {
		return false
	}
	if m.Agent != "" {
		agent, _ := ctx.Metadata["agent_id"].(string)
		if !matchPattern(m.Agent, agent) {
			return false
		}
	}
	return true
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func parseEffect(effect string) (types.Decision, error) {
	switch types.Decision(effect) {
	case types.DecisionAllow, types.DecisionDeny, types.DecisionRequireApproval:
		return types.Decision(effect), nil
	default:
		return "", fmt.Errorf("policy: invalid effect %q", effect)
	}
}

func defaultReasonCode(decision types.Decision) string {
	switch decision {
	case types.DecisionAllow:
		return types.ReasonPolicyAllowLowRisk
	case types.DecisionRequireApproval:
		return types.ReasonPolicyRequireApprovalHighValue
	default:
		return types.ReasonPolicyDenyHighRisk
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
