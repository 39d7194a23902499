package ctxmgr

import (
	"log/slog"
	"sync"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// ModelRegistry holds the (provider, model) -> context-window metadata
// used to compute usage_ratio. It is one of the few pieces of state
// shared across sessions, so it is guarded by a single RWMutex (reads may
// run concurrently with each other but not with writes).
type ModelRegistry struct {
	mu      sync.RWMutex
	entries map[string]domain.ModelMetadata
	logger  *slog.Logger
}

func key(provider, model string) string { return provider + "/" + model }

// NewModelRegistry builds an empty registry.
func NewModelRegistry(logger *slog.Logger) *ModelRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelRegistry{entries: make(map[string]domain.ModelMetadata), logger: logger}
}

// Register adds or replaces one entry. Safe to call at runtime (dynamic
// registration is allowed).
func (r *ModelRegistry) Register(m domain.ModelMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(m.Provider, m.Model)] = m
}

// Lookup returns the context window for (provider, model), falling back
// to DefaultContextWindow and a logged warning when the pair is unknown.
// This lookup never fails.
func (r *ModelRegistry) Lookup(provider, model string) domain.ModelMetadata {
	r.mu.RLock()
	m, ok := r.entries[key(provider, model)]
	r.mu.RUnlock()
	if ok {
		return m
	}
	r.logger.Warn("ctxmgr: unknown model, defaulting context window",
		"provider", provider, "model", model, "default", domain.DefaultContextWindow)
	return domain.ModelMetadata{
		Provider:      provider,
		Model:         model,
		ContextWindow: domain.DefaultContextWindow,
	}
}
