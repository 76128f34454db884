package config

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mohae/deepcopy"
)

// System is the process-wide identity and environment state.
type System struct {
	Alias       string
	Name        string
	Version     string
	Port        int
	Environment string
	StartedAt   time.Time
}

type snapshot struct {
	cfg *Config
	sys *System
}

// Registry holds the immutable merged configuration plus the system state.
// Readers always observe a consistent snapshot; Update replaces the whole
// snapshot atomically.
type Registry struct {
	current atomic.Value // *snapshot
}

// NewRegistry seeds a registry from the merged configuration.
func NewRegistry(cfg *Config, sys System) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if sys.StartedAt.IsZero() {
		sys.StartedAt = time.Now()
	}
	sys.Environment = cfg.Env
	sys.Port = cfg.Server.Port

	r := &Registry{}
	r.current.Store(&snapshot{cfg: cfg, sys: &sys})
	return r, nil
}

// Config returns a deep read-only view of the current configuration.
// The returned value is a private copy; mutating it has no effect on the
// registry.
func (r *Registry) Config() *Config {
	s := r.current.Load().(*snapshot)
	return deepcopy.Copy(s.cfg).(*Config)
}

// System returns a copy of the current system state.
func (r *Registry) System() System {
	s := r.current.Load().(*snapshot)
	return *s.sys
}

// Update validates cfg and swaps the visible snapshot. Concurrent readers
// keep their previous snapshot until their next access.
func (r *Registry) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	prev := r.current.Load().(*snapshot)
	sys := *prev.sys
	sys.Environment = cfg.Env
	r.current.Store(&snapshot{cfg: cfg, sys: &sys})
	return nil
}

// SetPort records the effectively bound port (after auto-switch).
func (r *Registry) SetPort(port int) {
	prev := r.current.Load().(*snapshot)
	sys := *prev.sys
	sys.Port = port
	r.current.Store(&snapshot{cfg: prev.cfg, sys: &sys})
}

// Uptime reports time since process start.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.System().StartedAt)
}
