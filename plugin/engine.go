package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xypriss/xypriss/log"
)

const (
	// DefaultLifecycleTimeout bounds Init, Start and Stop of one plugin.
	DefaultLifecycleTimeout = 5 * time.Second

	// breakerThreshold disables a hook after this many consecutive
	// failures until the plugin is re-initialized.
	breakerThreshold = 3
)

// Stats is the per-plugin counter set.
type Stats struct {
	State       State         `json:"state"`
	Invocations uint64        `json:"invocations"`
	Failures    uint64        `json:"failures"`
	Denied      uint64        `json:"denied"`
	AvgLatency  time.Duration `json:"avgLatency"`
	LastError   string        `json:"lastError,omitempty"`
}

type registered struct {
	p        Plugin
	state    State
	hooks    map[Hook]bool
	allowed  map[Hook]bool // nil means all hooks permitted
	tripped  map[Hook]int  // consecutive failures per hook
	disabled map[Hook]bool

	invocations uint64
	failures    uint64
	denied      uint64 // atomic, bumped under the engine read lock
	totalNanos  int64
	lastError   string
}

// Engine owns plugin lifecycle and hook dispatch. Hook invocations are
// synchronous and isolated: a panicking or failing plugin never affects
// the request that triggered the hook.
type Engine struct {
	mu      sync.RWMutex
	plugins map[string]*registered
	order   []string // sorted by priority, then registration order

	lifecycleTimeout time.Duration
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		plugins:          make(map[string]*registered),
		lifecycleTimeout: DefaultLifecycleTimeout,
	}
}

// Register validates, stores, initializes and starts the plugin.
// allowedHooks restricts which hooks may fire; nil permits all declared
// hooks.
func (e *Engine) Register(ctx context.Context, p Plugin, allowedHooks []Hook) error {
	if p == nil {
		return fmt.Errorf("plugin must not be nil")
	}
	id := p.ID()
	if id == "" {
		return fmt.Errorf("plugin id must not be empty")
	}

	e.mu.Lock()
	if _, ok := e.plugins[id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("plugin %q already registered", id)
	}
	r := &registered{
		p:        p,
		state:    StateRegistered,
		hooks:    make(map[Hook]bool),
		tripped:  make(map[Hook]int),
		disabled: make(map[Hook]bool),
	}
	for _, h := range p.Hooks() {
		r.hooks[h] = true
	}
	if allowedHooks != nil {
		r.allowed = make(map[Hook]bool, len(allowedHooks))
		for _, h := range allowedHooks {
			r.allowed[h] = true
		}
	}
	e.plugins[id] = r
	e.order = append(e.order, id)
	e.resortLocked()
	e.mu.Unlock()

	if err := e.lifecycle(ctx, r, "init", r.p.Init); err != nil {
		e.setState(id, StateFailed, err)
		return err
	}
	e.setState(id, StateInitialized, nil)

	if err := e.lifecycle(ctx, r, "start", r.p.Start); err != nil {
		e.setState(id, StateFailed, err)
		return err
	}
	e.setState(id, StateRunning, nil)
	return nil
}

// Unregister stops the plugin and removes it.
func (e *Engine) Unregister(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.plugins[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("plugin %q not registered", id)
	}
	r.state = StateStopping
	e.mu.Unlock()

	err := e.lifecycle(ctx, r, "stop", r.p.Stop)

	e.mu.Lock()
	delete(e.plugins, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return err
}

// Reinit re-runs Init and Start on a failed plugin and resets its hook
// circuit breakers.
func (e *Engine) Reinit(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.plugins[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("plugin %q not registered", id)
	}
	r.tripped = make(map[Hook]int)
	r.disabled = make(map[Hook]bool)
	e.mu.Unlock()

	if err := e.lifecycle(ctx, r, "init", r.p.Init); err != nil {
		e.setState(id, StateFailed, err)
		return err
	}
	if err := e.lifecycle(ctx, r, "start", r.p.Start); err != nil {
		e.setState(id, StateFailed, err)
		return err
	}
	e.setState(id, StateRunning, nil)
	return nil
}

// StopAll stops every running plugin. Used on server shutdown.
func (e *Engine) StopAll(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	e.mu.RUnlock()

	for _, id := range ids {
		e.mu.Lock()
		r, ok := e.plugins[id]
		if !ok || r.state != StateRunning {
			e.mu.Unlock()
			continue
		}
		r.state = StateStopping
		e.mu.Unlock()

		if err := e.lifecycle(ctx, r, "stop", r.p.Stop); err != nil {
			log.Errorf("cannot stop plugin %q: %s", id, err)
			e.setState(id, StateFailed, err)
			continue
		}
		e.setState(id, StateStopped, nil)
	}
}

// Fire invokes ev.Hook on every running plugin that declares it, in
// priority order. Failures are contained.
func (e *Engine) Fire(ctx context.Context, ev Event) {
	e.mu.RLock()
	targets := make([]*registered, 0, len(e.order))
	for _, id := range e.order {
		r := e.plugins[id]
		if r.state != StateRunning || !r.hooks[ev.Hook] || r.disabled[ev.Hook] {
			continue
		}
		if r.allowed != nil && !r.allowed[ev.Hook] {
			atomic.AddUint64(&r.denied, 1)
			continue
		}
		targets = append(targets, r)
	}
	e.mu.RUnlock()

	for _, r := range targets {
		e.fireOne(ctx, r, ev)
	}
}

func (e *Engine) fireOne(ctx context.Context, r *registered, ev Event) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("plugin panicked: %v", rec)
			}
		}()
		return r.p.OnHook(ctx, ev)
	}()
	elapsed := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	r.invocations++
	r.totalNanos += elapsed.Nanoseconds()
	if err == nil {
		r.tripped[ev.Hook] = 0
		return
	}
	r.failures++
	r.lastError = err.Error()
	r.tripped[ev.Hook]++
	log.Errorf("plugin %q failed on %s: %s", r.p.ID(), ev.Hook, err)
	if r.tripped[ev.Hook] >= breakerThreshold {
		r.disabled[ev.Hook] = true
		log.Warnf("plugin %q disabled for hook %s after %d consecutive failures",
			r.p.ID(), ev.Hook, breakerThreshold)
	}
}

// GetPluginStats returns the per-plugin stats keyed by id.
func (e *Engine) GetPluginStats() map[string]Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Stats, len(e.plugins))
	for id, r := range e.plugins {
		s := Stats{
			State:       r.state,
			Invocations: r.invocations,
			Failures:    r.failures,
			Denied:      atomic.LoadUint64(&r.denied),
			LastError:   r.lastError,
		}
		if r.invocations > 0 {
			s.AvgLatency = time.Duration(r.totalNanos / int64(r.invocations))
		}
		out[id] = s
	}
	return out
}

// StateOf reports the lifecycle state of one plugin.
func (e *Engine) StateOf(id string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.plugins[id]
	if !ok {
		return "", false
	}
	return r.state, true
}

func (e *Engine) lifecycle(ctx context.Context, r *registered, phase string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.lifecycleTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panicked during %s: %v", phase, rec)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("plugin %q %s failed: %w", r.p.ID(), phase, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin %q %s timed out after %s", r.p.ID(), phase, e.lifecycleTimeout)
	}
}

func (e *Engine) setState(id string, s State, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.plugins[id]
	if !ok {
		return
	}
	r.state = s
	if err != nil {
		r.lastError = err.Error()
	}
}

func (e *Engine) resortLocked() {
	sort.SliceStable(e.order, func(i, j int) bool {
		return e.plugins[e.order[i]].p.Priority() > e.plugins[e.order[j]].p.Priority()
	})
}
