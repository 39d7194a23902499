package coordinator

import (
	"fmt"
	"sync"
)

// SubAgentSpec describes one registered sub-agent type a spawn_subagent
// decision may target. Only the name is load-bearing for validation
// today; Description exists for operator-facing tooling (e.g. a future
// `list subagent types` CLI command) without changing the registry shape.
type SubAgentSpec struct {
	Type        string
	Description string
}

// SubAgentRegistry tracks which subagent_type values a spawn_subagent
// payload may reference. A type must be registered before any decision
// can target it; Register is the only mutation and is safe to call at
// runtime alongside concurrent validation checks.
type SubAgentRegistry struct {
	mu    sync.RWMutex
	specs map[string]SubAgentSpec
}

// NewSubAgentRegistry builds an empty registry.
func NewSubAgentRegistry() *SubAgentRegistry {
	return &SubAgentRegistry{specs: make(map[string]SubAgentSpec)}
}

// Register adds a sub-agent type. Registering an already-registered type
// is an error — subagent types are expected to be declared once, at
// startup, from static configuration.
func (r *SubAgentRegistry) Register(spec SubAgentSpec) error {
	if spec.Type == "" {
		return fmt.Errorf("subagent type cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Type]; exists {
		return fmt.Errorf("subagent type %q already registered", spec.Type)
	}
	r.specs[spec.Type] = spec
	return nil
}

// Registered reports whether subagentType has been registered. This is
// the check the Coordinator runs against every spawn_subagent decision
// before it reaches DecisionValidated.
func (r *SubAgentRegistry) Registered(subagentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[subagentType]
	return ok
}

// Types lists every registered subagent_type value.
func (r *SubAgentRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	return types
}
