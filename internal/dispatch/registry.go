package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pipedock/pipedock/pkg/schema"
)

// Registry is the concrete thread-safe Dispatcher implementation.
// The registration map is built at startup; a missing operation name is a
// configuration error surfaced during workflow validation, not at run time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// RegisterFunc registers a plain function under the given operation name.
func (r *Registry) RegisterFunc(name, description string, fn func(ctx context.Context, params map[string]any) (map[string]any, error)) error {
	return r.Register(ToolFunc{ToolName: name, Desc: description, Fn: fn})
}

// RegisterNamespace bulk-registers tools under a prefixed namespace.
// Each tool name becomes "prefix.originalName" (e.g. "docker.build_image").
func (r *Registry) RegisterNamespace(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range tools {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Invoke looks up the operation and executes it.
func (r *Registry) Invoke(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	tool, ok := r.tools[operation]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "operation %q not registered", operation)
	}
	return tool.Execute(ctx, params)
}

// Has checks if an operation is registered.
func (r *Registry) Has(operation string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[operation]
	return ok
}

// List returns the registered operation names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// prefixedTool wraps a namespaced tool with its prefixed name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string        { return p.name }
func (p *prefixedTool) Description() string { return p.inner.Description() }

func (p *prefixedTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	return p.inner.Execute(ctx, params)
}
