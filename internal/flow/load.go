package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/datamachine/internal/handler"
)

// Parse decodes a YAML flow definition, normalizes it, and validates it
// against the transition rules and, when r is non-nil, the handler registry.
// Steps without an id keep it empty; ids are assigned when the flow is saved.
func Parse(data []byte, r *handler.Registry) (Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flow{}, fmt.Errorf("parsing flow: %w", err)
	}
	if f.ID == "" {
		return Flow{}, fmt.Errorf("flow id is required")
	}

	f = Normalize(f)
	check := AssignIDs(f, Flow{})
	if err := Validate(check); err != nil {
		return Flow{}, err
	}
	if r != nil {
		if err := ValidateHandlers(check, r); err != nil {
			return Flow{}, err
		}
	}
	return f, nil
}

// Load reads and parses one flow file.
func Load(path string, r *handler.Registry) (Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flow{}, fmt.Errorf("reading flow file: %w", err)
	}
	f, err := Parse(data, r)
	if err != nil {
		return Flow{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
// A missing directory yields no flows.
func LoadDir(dir string, r *handler.Registry) ([]Flow, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading flows directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var flows []Flow
	seen := make(map[string]string)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		f, err := Load(filepath.Join(dir, e.Name()), r)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("flow %s defined in both %s and %s", f.ID, prev, e.Name())
		}
		seen[f.ID] = e.Name()
		flows = append(flows, f)
	}
	return flows, nil
}

// Normalize assigns positions by list order when none are set.
func Normalize(f Flow) Flow {
	steps := append([]Step(nil), f.Steps...)

	positioned := false
	for _, s := range steps {
		if s.Position != 0 {
			positioned = true
			break
		}
	}
	if !positioned {
		for i := range steps {
			steps[i].Position = i + 1
		}
	}
	f.Steps = steps
	return f
}

// AssignIDs gives every step without an id the id of its counterpart in
// prev, or a new UUID when prev has none. Counterparts are matched by type,
// handler, and how many steps with that type and handler precede them, so
// inserting or moving other steps does not change a step's identity.
func AssignIDs(f, prev Flow) Flow {
	taken := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if s.ID != "" {
			taken[s.ID] = true
		}
	}

	known := make(map[string]string, len(prev.Steps))
	for key, id := range stepKeys(prev.Ordered()) {
		if !taken[id] {
			known[key] = id
		}
	}

	steps := append([]Step(nil), f.Steps...)
	order := make([]int, len(steps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return steps[order[a]].Position < steps[order[b]].Position })

	seen := make(map[string]int)
	for _, i := range order {
		key := stepKey(steps[i], seen)
		if steps[i].ID != "" {
			continue
		}
		if id, ok := known[key]; ok {
			steps[i].ID = id
			delete(known, key)
			continue
		}
		steps[i].ID = uuid.NewString()
	}
	f.Steps = steps
	return f
}

func stepKeys(ordered []Step) map[string]string {
	keys := make(map[string]string, len(ordered))
	seen := make(map[string]int)
	for _, s := range ordered {
		key := stepKey(s, seen)
		if s.ID != "" {
			keys[key] = s.ID
		}
	}
	return keys
}

// stepKey returns "type/handler/n" where n counts earlier steps sharing the
// same type and handler.
func stepKey(s Step, seen map[string]int) string {
	base := string(s.Type) + "/" + s.Handler
	n := seen[base]
	seen[base] = n + 1
	return base + "/" + strconv.Itoa(n)
}
