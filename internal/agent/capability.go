package agent

import (
	"sort"
	"sync"
)

// Capability is a named operation an agent claims to support. The parameter
// spec is a JSON-schema-like object so the catalogue can be handed to an LLM
// planner as function definitions.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Category    string         `json:"category,omitempty"`
}

// CapabilityRegistry maps capability names to their definition. Duplicate
// names overwrite the earlier entry.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability.
func (r *CapabilityRegistry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Parameters == nil {
		c.Parameters = ObjectSchema(nil)
	}
	r.caps[c.Name] = c
}

func (r *CapabilityRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

func (r *CapabilityRegistry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

func (r *CapabilityRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caps, name)
}

// List returns all capabilities sorted by name.
func (r *CapabilityRegistry) List() []Capability {
	r.mu.RLock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns the capabilities in one category, sorted by name.
func (r *CapabilityRegistry) ByCategory(category string) []Capability {
	var out []Capability
	for _, c := range r.List() {
		if c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

// ObjectSchema builds an "object" parameter schema. props maps a property name
// to its description; every property is typed string. Names listed in required
// are marked required.
func ObjectSchema(props map[string]string, required ...string) map[string]any {
	p := make(map[string]any, len(props))
	for name, desc := range props {
		p[name] = map[string]string{"type": "string", "description": desc}
	}
	s := map[string]any{
		"type":       "object",
		"properties": p,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
