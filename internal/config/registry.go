package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// EngineFactory constructs a transcription engine from its configuration.
type EngineFactory func(EngineConfig) (engine.Transcriber, error)

// Registry maps engine provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineFactory)}
}

// Register adds or replaces the factory for the given provider name.
func (r *Registry) Register(name string, f EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = f
}

// Create builds a transcription engine for cfg.Provider. Fallback entries in
// cfg are ignored here; callers assemble fallback chains by calling Create
// once per entry.
func (r *Registry) Create(cfg EngineConfig) (engine.Transcriber, error) {
	r.mu.RLock()
	f, ok := r.engines[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return f(cfg)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
