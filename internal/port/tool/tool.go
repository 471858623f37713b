// Package tool defines the port interface for executable tools and the
// registry the controller and executor resolve tool names against.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool is one executable capability an agent can invoke by name.
type Tool interface {
	// Name returns the unique tool identifier used in action steps.
	Name() string
	// Description is a short human-readable summary surfaced in prompts.
	Description() string
	// Invoke runs the tool. Args is the raw JSON argument object from the
	// model. The returned string is the observation fed back to the model.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools available to a run. Lookup is by exact name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is a programming
// error and panics, matching adapter init-time registration.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		panic(fmt.Sprintf("tool: duplicate registration for %q", name))
	}
	r.tools[name] = t
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
