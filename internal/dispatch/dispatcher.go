package dispatch

import "context"

// Tool is an executable named operation invoked by workflow steps
// (build an image, push, deploy a manifest, ...). Implementations are
// opaque to the engine: they take a parameter map and return an output
// map or an error.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Dispatcher resolves operation names to tools and invokes them.
// The engine treats this boundary as opaque — it does not know whether an
// operation builds an image or deploys a manifest.
type Dispatcher interface {
	Invoke(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
	Has(operation string) bool
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, params map[string]any) (map[string]any, error)
}

func (t ToolFunc) Name() string        { return t.ToolName }
func (t ToolFunc) Description() string { return t.Desc }

func (t ToolFunc) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return t.Fn(ctx, params)
}
