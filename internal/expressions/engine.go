package expressions

import "context"

// Engine evaluates expressions within workflow steps.
// Three implementations: CEL (conditions), Expr (interpolation), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope names exposed to condition and interpolation expressions.
const (
	ScopeState   = "state"   // accumulated workflow state, keyed by step name
	ScopeInputs  = "inputs"  // initial run parameters
	ScopeSession = "session" // session metadata (id)
)
