// Package handler is the registry of pluggable step handlers. Handlers are
// registered once at startup; after Freeze the registry is read-only and
// lookups take no lock.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Type is the capability a handler provides; it is also the step type that
// may bind to it.
type Type string

const (
	TypeInput  Type = "input"
	TypeAI     Type = "ai"
	TypeUpdate Type = "update"
	TypeOutput Type = "output"
)

// Types lists every handler type in flow order.
var Types = []Type{TypeInput, TypeAI, TypeUpdate, TypeOutput}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeInput, TypeAI, TypeUpdate, TypeOutput:
		return true
	}
	return false
}

var (
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrRegistryFrozen   = errors.New("handler registry is frozen")
	ErrToolNotFound     = errors.New("tool not found")
)

// ToolFunc executes one handler tool. Arguments arrive JSON-decoded, so
// numbers are float64. The returned map is JSON-encoded back to the caller.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is a named operation a handler declares.
type Tool struct {
	Definition mcp.Tool
	Call       ToolFunc
}

// Name returns the tool's declared name.
func (t Tool) Name() string { return t.Definition.Name }

// Descriptor declares a handler to the registry.
type Descriptor struct {
	Slug  string
	Type  Type
	Label string
	Tools []Tool
}

// Tool returns the named tool, or the first declared tool when name is empty.
func (d Descriptor) Tool(name string) (Tool, error) {
	if name == "" {
		if len(d.Tools) == 0 {
			return Tool{}, fmt.Errorf("handler %s declares no tools: %w", d.Slug, ErrToolNotFound)
		}
		return d.Tools[0], nil
	}
	for _, t := range d.Tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return Tool{}, fmt.Errorf("handler %s has no tool %q: %w", d.Slug, name, ErrToolNotFound)
}

// Registry maps (type, slug) to a handler descriptor.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	handlers map[Type]map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]map[string]Descriptor)}
}

// Register adds a descriptor. Registration is append-only: re-registering a
// slug for the same type is an error.
func (r *Registry) Register(d Descriptor) error {
	if d.Slug == "" {
		return errors.New("handler slug is required")
	}
	if !d.Type.Valid() {
		return fmt.Errorf("handler %s: unknown type %q", d.Slug, d.Type)
	}
	seen := make(map[string]bool, len(d.Tools))
	for _, t := range d.Tools {
		if t.Name() == "" {
			return fmt.Errorf("handler %s: tool name is required", d.Slug)
		}
		if t.Call == nil {
			return fmt.Errorf("handler %s: tool %s has no implementation", d.Slug, t.Name())
		}
		if seen[t.Name()] {
			return fmt.Errorf("handler %s: duplicate tool %s", d.Slug, t.Name())
		}
		seen[t.Name()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registering %s: %w", d.Slug, ErrRegistryFrozen)
	}
	byType := r.handlers[d.Type]
	if byType == nil {
		byType = make(map[string]Descriptor)
		r.handlers[d.Type] = byType
	}
	if _, exists := byType[d.Slug]; exists {
		return fmt.Errorf("%s handler %s: %w", d.Type, d.Slug, ErrDuplicateHandler)
	}
	byType[d.Slug] = d
	return nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Lookup returns the handler registered under slug for type t.
func (r *Registry) Lookup(t Type, slug string) (Descriptor, error) {
	d, ok := r.handlers[t][slug]
	if !ok {
		return Descriptor{}, fmt.Errorf("%s handler %q: %w", t, slug, ErrHandlerNotFound)
	}
	return d, nil
}

// ByType returns all handlers of type t sorted by slug.
func (r *Registry) ByType(t Type) []Descriptor {
	out := make([]Descriptor, 0, len(r.handlers[t]))
	for _, d := range r.handlers[t] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// All returns every registered handler in flow-type order, then by slug.
func (r *Registry) All() []Descriptor {
	var out []Descriptor
	for _, t := range Types {
		out = append(out, r.ByType(t)...)
	}
	return out
}
