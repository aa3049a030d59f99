// Package flow defines flows, the step-type transition rules, and the typed
// configuration each step type accepts.
package flow

import (
	"sort"

	"github.com/kalambet/datamachine/internal/handler"
)

// Flow is an ordered list of steps belonging to one project.
type Flow struct {
	ID        string `json:"id" yaml:"id"`
	ProjectID string `json:"project_id,omitempty" yaml:"project_id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	Steps     []Step `json:"steps" yaml:"steps"`
}

// Step binds one position in a flow to a handler.
type Step struct {
	ID       string         `json:"id" yaml:"id"`
	Type     handler.Type   `json:"type" yaml:"type"`
	Handler  string         `json:"handler" yaml:"handler"`
	Position int            `json:"position" yaml:"position"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings"`
}

// Ordered returns the steps sorted by position. f is not modified.
func (f Flow) Ordered() []Step {
	steps := append([]Step(nil), f.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Position < steps[j].Position })
	return steps
}

var transitions = map[handler.Type][]handler.Type{
	handler.TypeInput:  {handler.TypeInput, handler.TypeAI, handler.TypeOutput},
	handler.TypeAI:     {handler.TypeAI, handler.TypeOutput, handler.TypeUpdate},
	handler.TypeUpdate: {handler.TypeOutput, handler.TypeUpdate},
	handler.TypeOutput: {handler.TypeOutput},
}

// CanFollow reports whether a step of type next may directly follow one of type prev.
func CanFollow(prev, next handler.Type) bool {
	for _, t := range transitions[prev] {
		if t == next {
			return true
		}
	}
	return false
}

// Validate checks the structural rules of f: known step types, unique ids,
// distinct positions, legal adjacency, and decodable step configuration.
// It does not consult the handler registry.
func Validate(f Flow) error {
	steps := f.Ordered()
	ids := make(map[string]bool, len(steps))
	seenAI := false

	for i, s := range steps {
		if s.ID == "" {
			return Errorf(KindConfiguration, "", "step at position %d has no id", s.Position)
		}
		if ids[s.ID] {
			return Errorf(KindConfiguration, s.ID, "duplicate step id")
		}
		ids[s.ID] = true

		if !s.Type.Valid() {
			return Errorf(KindConfiguration, s.ID, "unknown step type %q", s.Type)
		}
		if s.Handler == "" {
			return Errorf(KindConfiguration, s.ID, "no handler configured")
		}

		if i > 0 {
			prev := steps[i-1]
			if prev.Position == s.Position {
				return Errorf(KindConfiguration, s.ID, "position %d is shared with step %s", s.Position, prev.ID)
			}
			if seenAI && s.Type == handler.TypeInput {
				return Errorf(KindConfiguration, s.ID, "input step after an ai step")
			}
			if !CanFollow(prev.Type, s.Type) {
				return Errorf(KindConfiguration, s.ID, "illegal transition %s -> %s", prev.Type, s.Type)
			}
		}
		if s.Type == handler.TypeAI {
			seenAI = true
		}

		if _, err := DecodeConfig(s); err != nil {
			return Wrap(KindConfiguration, s.ID, s.Handler, err)
		}
	}
	return nil
}

// ValidateHandlers checks that every step's handler and tool are registered.
// Used when a flow is authored; execution only runs Validate so a handler
// missing at run time surfaces at its own step.
func ValidateHandlers(f Flow, r *handler.Registry) error {
	for _, s := range f.Ordered() {
		d, err := r.Lookup(s.Type, s.Handler)
		if err != nil {
			return Wrap(KindHandlerNotFound, s.ID, s.Handler, err)
		}
		cfg, err := DecodeConfig(s)
		if err != nil {
			return Wrap(KindConfiguration, s.ID, s.Handler, err)
		}
		if _, err := d.Tool(cfg.ToolName()); err != nil {
			return Wrap(KindConfiguration, s.ID, s.Handler, err)
		}
	}
	return nil
}
