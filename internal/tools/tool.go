// Package tools hosts the tool registry, execution policy and the
// in-tree tools the model can call.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/llm"
)

// Tool is one callable capability. Execute returns the textual result
// handed back to the model; errors should be fault-kinded so the turn
// engine can tell a tool bug from upstream flakiness.
type Tool interface {
	Name() string
	Description() string
	// Schema is a JSON Schema (draft 2020-12) for the arguments object.
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the installed tools. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fault.Newf(fault.KindInvalidArguments, "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// Specs renders the registered tools as provider tool specs, filtered
// to the names the policy exposes.
func (r *Registry) Specs(allowed func(name string) bool) []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		if allowed != nil && !allowed(t.Name()) {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
