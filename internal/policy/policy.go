// Package policy defines the evaluation contract for guarded calls and the
// policy hash that approvals and decision records bind to.
package policy

import (
	"errors"
	"fmt"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/pkg/types"
)

var ErrEmptyReason = errors.New("policy: result reason is empty")

// Result is one policy verdict for one context.
type Result struct {
	Decision   types.Decision
	Reason     string
	ReasonCode string
}

// Validate rejects results the engine must not act on.
func (r Result) Validate() error {
	switch r.Decision {
	case types.DecisionAllow, types.DecisionDeny, types.DecisionRequireApproval:
	default:
		return fmt.Errorf("policy: invalid decision %q", r.Decision)
	}
	if r.Reason == "" {
		return ErrEmptyReason
	}
	return nil
}

// Policy evaluates a redacted context. Implementations must be side-effect
// free; the engine may call Evaluate concurrently.
type Policy interface {
	Evaluate(ctx types.Context) (Result, error)
}

// Optional capabilities a policy may expose. ID, Version and SourceDigest
// feed the policy hash; an explicit Hash wins outright.
type (
	Identified     interface{ PolicyID() string }
	Versioned      interface{ PolicyVersion() string }
	SourceDigested interface{ SourceDigest() string }
	Hashed         interface{ PolicyHash() string }
)

// ID returns the policy's stable identifier, falling back to its Go type.
func ID(p Policy) string {
	if identified, ok := p.(Identified); ok {
		if id := identified.PolicyID(); id != "" {
			return id
		}
	}
	return fmt.Sprintf("%T", p)
}

// Hash computes the policy hash bound into decisions and approvals. A policy
// exposing a non-empty explicit hash keeps it verbatim; otherwise the hash is
// the canonical digest of the identifier, version and source digest, with
// absent fields kept as nulls so the composition is stable.
func Hash(p Policy) (string, error) {
	if hashed, ok := p.(Hashed); ok {
		if h := hashed.PolicyHash(); h != "" {
			return h, nil
		}
	}

	var version, sourceDigest any
	if versioned, ok := p.(Versioned); ok {
		if v := versioned.PolicyVersion(); v != "" {
			version = v
		}
	}
	if digested, ok := p.(SourceDigested); ok {
		if d := digested.SourceDigest(); d != "" {
			sourceDigest = d
		}
	}
	return crypto.CanonicalDigestHex(map[string]any{
		"policy_id":          ID(p),
		"policy_version":     version,
		"policy_source_hash": sourceDigest,
	})
}

// AllowAll admits every action. For development and tests.
type AllowAll struct{}

func (AllowAll) PolicyID() string { return "sudoagent.policy.AllowAll" }

func (AllowAll) Evaluate(types.Context) (Result, error) {
	return Result{
		Decision:   types.DecisionAllow,
		Reason:     "allowed",
		ReasonCode: types.ReasonPolicyAllowLowRisk,
	}, nil
}

// DenyAll refuses every action.
type DenyAll struct{}

func (DenyAll) PolicyID() string { return "sudoagent.policy.DenyAll" }

func (DenyAll) Evaluate(types.Context) (Result, error) {
	return Result{
		Decision:   types.DecisionDeny,
		Reason:     "denied",
		ReasonCode: types.ReasonPolicyDenyHighRisk,
	}, nil
}

// Func adapts a plain function into a Policy.
type Func func(ctx types.Context) (Result, error)

func (f Func) Evaluate(ctx types.Context) (Result, error) { return f(ctx) }
