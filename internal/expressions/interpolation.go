package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pipedock/pipedock/pkg/schema"
)

// Interpolator resolves ${{...}} references inside declarative step parameter
// templates. Each token holds an expr-lang expression evaluated against the
// accumulated workflow state:
//
//	{"image": "${{ state.build.image_ref }}", "push": "${{ inputs.push ?? true }}"}
type Interpolator struct {
	engine *ExprEngine
}

// NewInterpolator creates an Interpolator backed by a shared ExprEngine.
func NewInterpolator(engine *ExprEngine) *Interpolator {
	if engine == nil {
		engine = NewExprEngine()
	}
	return &Interpolator{engine: engine}
}

// HasInterpolation reports whether raw JSON contains a ${{ token.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// Resolve scans raw JSON for ${{...}} tokens, evaluates each expression
// against the scope data, and splices the result back in. Returns the
// interpolated JSON bytes.
func (interp *Interpolator) Resolve(ctx context.Context, raw json.RawMessage, data map[string]any) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expression := strings.TrimSpace(input[start:end])
		if expression == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expression, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.engine.Evaluate(ctx, expression, data)
		if err != nil {
			return nil, err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}"
	}

	return json.RawMessage(result.String()), nil
}

// marshalInline embeds a resolved value into the surrounding JSON text.
// Strings are written without quotes but JSON-escaped, so tokens inside JSON
// string literals stay valid even when the value carries quotes or
// backslashes.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b[1 : len(b)-1])
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
