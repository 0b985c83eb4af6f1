package policy

import (
	"testing"

	"github.com/lemnk/sudoagent/pkg/types"
)

const testRules = `
policy_id: payments-guard
policy_version: "3"
defaults:
  effect: deny
  reason: unrecognized action
rules:
  - id: reads
    match:
      action: "billing.get_*"
    effect: allow
    reason: read-only
  - id: refunds
    match:
      action: "billing.refund"
    effect: require_approval
    reason: refunds need a human
    reason_code: POLICY_REQUIRE_APPROVAL_HIGH_VALUE
  - id: batch-agents
    match:
      action: "billing.*"
      agent: "batch-*"
    effect: deny
    reason: batch agents stay read-only
`

func mustParseRules(t *testing.T, src string) *RulePolicy {
	t.Helper()
	p, err := ParseRules([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func TestRulePolicyFirstMatch(t *testing.T) {
	p := mustParseRules(t, testRules)

	cases := []struct {
		name       string
		ctx        types.Context
		decision   types.Decision
		reason     string
		reasonCode string
	}{
		{
			name:       "glob match",
			ctx:        types.Context{Action: "billing.get_invoice"},
			decision:   types.DecisionAllow,
			reason:     "read-only",
			reasonCode: types.ReasonPolicyAllowLowRisk,
		},
		{
			name:       "exact match with explicit code",
			ctx:        types.Context{Action: "billing.refund"},
			decision:   types.DecisionRequireApproval,
			reason:     "refunds need a human",
			reasonCode: types.ReasonPolicyRequireApprovalHighValue,
		},
		{
			name: "agent pattern",
			ctx: types.Context{
				Action:   "billing.credit",
				Metadata: map[string]any{"agent_id": "batch-7"},
			},
			decision:   types.DecisionDeny,
			reason:     "batch agents stay read-only",
			reasonCode: types.ReasonPolicyDenyHighRisk,
		},
		{
			name:       "default",
			ctx:        types.Context{Action: "fs.delete"},
			decision:   types.DecisionDeny,
			reason:     "unrecognized action",
			reasonCode: types.ReasonPolicyDenyHighRisk,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := p.Evaluate(tc.ctx)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if res.Decision != tc.decision || res.Reason != tc.reason || res.ReasonCode != tc.reasonCode {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestRulePolicyOrderMatters(t *testing.T) {
	// billing.credit without a batch agent falls through the batch-agents
	// rule's agent pattern to the default.
	p := mustParseRules(t, testRules)
	res, err := p.Evaluate(types.Context{
		Action:   "billing.credit",
		Metadata: map[string]any{"agent_id": "ops-1"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != types.DecisionDeny || res.Reason != "unrecognized action" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRulePolicyCapabilities(t *testing.T) {
	p := mustParseRules(t, testRules)
	if p.PolicyID() != "payments-guard" || p.PolicyVersion() != "3" {
		t.Fatalf("identity: %q %q", p.PolicyID(), p.PolicyVersion())
	}
	if p.SourceDigest() == "" {
		t.Fatalf("source digest must be set")
	}

	// The digest tracks the raw bytes, so a whitespace edit moves the hash.
	edited := mustParseRules(t, testRules+"\n")
	if edited.SourceDigest() == p.SourceDigest() {
		t.Fatalf("edited source must change the digest")
	}

	h1, err := Hash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(edited)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("policy hash must follow the source digest")
	}
}

func TestParseRulesRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"missing policy_id", "rules: []"},
		{"bad effect", "policy_id: p\nrules:\n  - id: r\n    effect: maybe"},
		{"missing rule id", "policy_id: p\nrules:\n  - effect: allow"},
		{"bad pattern", "policy_id: p\nrules:\n  - id: r\n    effect: allow\n    match:\n      action: \"[\""},
		{"not yaml", "policy_id: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tc.src)); err == nil {
				t.Fatalf("expected parse error")
			}
		})
	}
}

func TestParseRulesDefaultsToDeny(t *testing.T) {
	p := mustParseRules(t, "policy_id: p")
	res, err := p.Evaluate(types.Context{Action: "anything"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Decision != types.DecisionDeny {
		t.Fatalf("empty defaults must deny, got %+v", res)
	}
}
