package strategy

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Registry holds the loaded strategy configs by id. Reload swaps the
// whole set atomically; readers never see a half-loaded file.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Config)}
}

// LoadFile replaces the registry contents with the given YAML file.
func (r *Registry) LoadFile(path string) error {
	configs, err := LoadConfig(path)
	if err != nil {
		return err
	}
	next := make(map[string]*Config, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	r.mu.Lock()
	r.configs = next
	r.mu.Unlock()
	return nil
}

// Put registers a single compiled config.
func (r *Registry) Put(cfg *Config) error {
	if err := cfg.Compile(); err != nil {
		return err
	}
	r.mu.Lock()
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()
	return nil
}

// Get returns the config for id.
func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, id)
	}
	return cfg, nil
}

// All returns every registered config.
func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// AutoStartIDs lists strategies marked for startup at boot.
func (r *Registry) AutoStartIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, cfg := range r.configs {
		if cfg.AutoStart {
			ids = append(ids, id)
		}
	}
	return ids
}
