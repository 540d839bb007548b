package tools

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	errx "github.com/spy-chat-core/server/internal/core/error"
)

type entry struct {
	spec Spec
	tool Tool
}

// Registry maps tool names to their spec and implementation. Registration
// happens at startup; after that the registry is only read, so lookups take
// no lock. Register must not run concurrently with Catalog or Execute.
type Registry struct {
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. A name that is already taken is a configuration error.
func (r *Registry) Register(name, description string, params map[string]*schema.ParameterInfo, tool Tool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("register tool: %w: empty name", errx.ErrInvalidInput)
	}
	if tool == nil {
		return fmt.Errorf("register tool %s: %w: nil implementation", name, errx.ErrInvalidInput)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register tool %s: %w", name, errx.ErrToolRegistered)
	}
	r.entries[name] = entry{
		spec: Spec{Name: name, Description: description, Params: params},
		tool: tool,
	}
	return nil
}

// MustRegister panics on registration errors. Use it for built-in tools only.
func (r *Registry) MustRegister(name, description string, params map[string]*schema.ParameterInfo, tool Tool) {
	if err := r.Register(name, description, params, tool); err != nil {
		panic(err)
	}
}

// Catalog lists registered tools ordered by name.
func (r *Registry) Catalog() []Spec {
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) lookup(name string) (entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}
