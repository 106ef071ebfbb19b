package pipelines

import (
	"sort"
	"sync"

	"github.com/pipedock/pipedock/pkg/schema"
)

// Library is a thread-safe catalog of named workflow configs the MCP layer
// and CLI resolve run requests against.
type Library struct {
	mu      sync.RWMutex
	configs map[string]*schema.WorkflowConfig
}

// NewLibrary creates a catalog seeded with the built-in containerization
// pipeline.
func NewLibrary() *Library {
	lib := &Library{configs: make(map[string]*schema.WorkflowConfig)}
	lib.Register(Containerize(ContainerizeOptions{}))
	return lib
}

// Register adds or replaces a workflow config under its ID.
func (l *Library) Register(cfg *schema.WorkflowConfig) {
	if cfg == nil || cfg.ID == "" {
		return
	}
	l.mu.Lock()
	l.configs[cfg.ID] = cfg
	l.mu.Unlock()
}

// Get returns the config registered under id, or nil.
func (l *Library) Get(id string) *schema.WorkflowConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.configs[id]
}

// List returns the registered workflow IDs, sorted.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.configs))
	for id := range l.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
