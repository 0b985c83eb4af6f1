package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lemnk/sudoagent/internal/crypto"
	"github.com/lemnk/sudoagent/pkg/types"
)

// ExprPolicy evaluates a single compiled expression over the call context.
// The expression sees `action`, `args`, `kwargs` and `metadata` and must
// produce either a decision string or a boolean, where true means allow and
// false means deny.
type ExprPolicy struct {
	id      string
	source  string
	program *vm.Program
}

// NewExpr compiles source once; evaluation reuses the program.
func NewExpr(id, source string) (*ExprPolicy, error) {
	if id == "" {
		return nil, fmt.Errorf("policy: expression policy needs an id")
	}
	program, err := expr.Compile(source, expr.Env(exprEnv(types.Context{})))
	if err != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", id, err)
	}
	return &ExprPolicy{id: id, source: source, program: program}, nil
}

func (p *ExprPolicy) PolicyID() string     { return p.id }
func (p *ExprPolicy) SourceDigest() string { return crypto.DigestHex([]byte(p.source)) }

func (p *ExprPolicy) Evaluate(ctx types.Context) (Result, error) {
	out, err := expr.Run(p.program, exprEnv(ctx))
	if err != nil {
		return Result{}, fmt.Errorf("policy: evaluate %q: %w", p.id, err)
	}

	var decision types.Decision
	switch v := out.(type) {
	case bool:
		decision = types.DecisionDeny
		if v {
			decision = types.DecisionAllow
		}
	case string:
		decision, err = parseEffect(v)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("policy: expression %q returned %T, want bool or string", p.id, out)
	}

	return Result{
		Decision:   decision,
		Reason:     "expression " + p.id,
		ReasonCode: defaultReasonCode(decision),
	}, nil
}

func exprEnv(ctx types.Context) map[string]any {
	args := ctx.Args
	if args == nil {
		args = []any{}
	}
	kwargs := ctx.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	metadata := ctx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"action":   ctx.Action,
		"args":     args,
		"kwargs":   kwargs,
		"metadata": metadata,
	}
}
