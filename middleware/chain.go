// Package middleware implements the prioritized middleware chain shared by
// all dispatch paths.
package middleware

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/web"
)

// Priority orders middleware execution. Higher priorities run first;
// entries with equal priority run in registration order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PriorityLowest   Priority = "lowest"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PriorityLowest:   4,
}

// Options configure one middleware registration.
type Options struct {
	// ID must be unique within the chain. Auto-generated when empty.
	ID string

	Name     string
	Priority Priority

	// PathScope limits execution to requests whose path equals the scope
	// or sits under it on a segment boundary. Empty means all paths.
	PathScope string

	// FastSafe marks middleware with no side effects outside the request,
	// making it eligible for the fast dispatch path.
	FastSafe bool

	Fn    web.MiddlewareFunc
	ErrFn web.ErrorHandlerFunc
}

// Info is the externally visible state of a registered middleware.
type Info struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Priority    Priority      `json:"priority"`
	PathScope   string        `json:"pathScope,omitempty"`
	Enabled     bool          `json:"enabled"`
	FastSafe    bool          `json:"fastSafe"`
	ErrorPhase  bool          `json:"errorPhase"`
	Invocations uint64        `json:"invocations"`
	AvgLatency  time.Duration `json:"avgLatency"`
	P95Latency  time.Duration `json:"p95Latency"`
}

type entry struct {
	Options
	seq     int
	enabled bool
	stats   latencyWindow
}

// Chain holds registered middleware in execution order.
type Chain struct {
	mu      sync.RWMutex
	entries []*entry
	seq     int

	// warnAfter logs a warning when one middleware exceeds this budget.
	// Zero disables the check.
	warnAfter time.Duration
}

// NewChain returns an empty chain. warnAfter of zero disables slow
// middleware warnings.
func NewChain(warnAfter time.Duration) *Chain {
	return &Chain{warnAfter: warnAfter}
}

// Register adds a middleware. Duplicate ids are rejected.
func (c *Chain) Register(opts Options) (string, error) {
	if opts.Fn == nil && opts.ErrFn == nil {
		return "", fmt.Errorf("middleware %q has no function", opts.Name)
	}
	if opts.Fn != nil && opts.ErrFn != nil {
		return "", fmt.Errorf("middleware %q must be either regular or error-phase", opts.Name)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if _, ok := priorityRank[opts.Priority]; !ok {
		return "", fmt.Errorf("unknown middleware priority %q", opts.Priority)
	}
	if opts.PathScope != "" && !strings.HasPrefix(opts.PathScope, "/") {
		return "", fmt.Errorf("path scope %q must start with /", opts.PathScope)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ID == opts.ID {
			return "", fmt.Errorf("middleware id %q already registered", opts.ID)
		}
	}
	e := &entry{Options: opts, seq: c.seq, enabled: true}
	c.seq++
	c.entries = append(c.entries, e)
	sort.SliceStable(c.entries, func(i, j int) bool {
		ri, rj := priorityRank[c.entries[i].Priority], priorityRank[c.entries[j].Priority]
		if ri != rj {
			return ri < rj
		}
		return c.entries[i].seq < c.entries[j].seq
	})
	return opts.ID, nil
}

// Unregister removes a middleware by id.
func (c *Chain) Unregister(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Enable re-activates a disabled middleware.
func (c *Chain) Enable(id string) bool { return c.setEnabled(id, true) }

// Disable keeps the middleware registered but skips it during execution.
func (c *Chain) Disable(id string) bool { return c.setEnabled(id, false) }

func (c *Chain) setEnabled(id string, v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.ID == id {
			e.enabled = v
			return true
		}
	}
	return false
}

// List reports all registered middleware in execution order.
func (c *Chain) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		n, avg, p95 := e.stats.snapshot()
		out = append(out, Info{
			ID:          e.ID,
			Name:        e.Name,
			Priority:    e.Priority,
			PathScope:   e.PathScope,
			Enabled:     e.enabled,
			FastSafe:    e.FastSafe,
			ErrorPhase:  e.ErrFn != nil,
			Invocations: n,
			AvgLatency:  avg,
			P95Latency:  p95,
		})
	}
	return out
}

// ActiveFor returns the enabled, path-matching middleware for path, in
// execution order. The classifier uses this to probe fast-path eligibility.
func (c *Chain) ActiveFor(path string) []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Info
	for _, e := range c.entries {
		if !e.enabled || e.ErrFn != nil || !scopeMatches(e.PathScope, path) {
			continue
		}
		out = append(out, Info{
			ID:       e.ID,
			Name:     e.Name,
			Priority: e.Priority,
			FastSafe: e.FastSafe,
			Enabled:  true,
		})
	}
	return out
}

// Execute runs the chain for req: global middleware in priority order,
// then the route middleware named by routeIDs in the given order, then
// final. A middleware passing an error to next diverts execution to the
// error-phase handlers; if none finishes the response the default error
// body is written. Execution stops as soon as the response is sent.
func (c *Chain) Execute(req *web.Request, res *web.Response, routeIDs []string, final web.HandlerFunc) {
	c.mu.RLock()
	active := make([]*entry, 0, len(c.entries)+len(routeIDs))
	var errPhase []*entry
	for _, e := range c.entries {
		if !e.enabled {
			continue
		}
		if e.ErrFn != nil {
			errPhase = append(errPhase, e)
			continue
		}
		if scopeMatches(e.PathScope, req.Path) {
			active = append(active, e)
		}
	}
	for _, id := range routeIDs {
		for _, e := range c.entries {
			if e.ID == id && e.enabled && e.ErrFn == nil {
				active = append(active, e)
				break
			}
		}
	}
	c.mu.RUnlock()

	c.run(req, res, active, errPhase, final)
}

func (c *Chain) run(req *web.Request, res *web.Response, active, errPhase []*entry, final web.HandlerFunc) {
	var step func(i int, err error)
	step = func(i int, err error) {
		if err != nil {
			c.runErrorPhase(err, req, res, errPhase, 0)
			return
		}
		if res.Sent() {
			return
		}
		if i >= len(active) {
			if final != nil {
				final(req, res)
			}
			return
		}
		e := active[i]
		start := time.Now()
		recorded := false
		record := func() {
			if recorded {
				return
			}
			recorded = true
			d := time.Since(start)
			e.stats.record(d)
			if c.warnAfter > 0 && d > c.warnAfter {
				log.Warnf("middleware %q took %s on %s %s", e.Name, d, req.Method, req.Path)
			}
		}
		e.Fn(req, res, func(nextErr error) {
			record()
			step(i+1, nextErr)
		})
		record()
	}
	step(0, nil)
}

func (c *Chain) runErrorPhase(err error, req *web.Request, res *web.Response, errPhase []*entry, i int) {
	if res.Sent() {
		return
	}
	if i >= len(errPhase) {
		log.Errorf("unhandled request error on %s %s: %s", req.Method, req.Path, err)
		web.RespondError(res, err)
		return
	}
	e := errPhase[i]
	start := time.Now()
	e.ErrFn(err, req, res, func(nextErr error) {
		e.stats.record(time.Since(start))
		if nextErr == nil {
			nextErr = err
		}
		c.runErrorPhase(nextErr, req, res, errPhase, i+1)
	})
}

// scopeMatches reports whether path falls under scope on a segment
// boundary. "/api" matches "/api" and "/api/v1" but not "/apiv2".
func scopeMatches(scope, path string) bool {
	if scope == "" || scope == "/" {
		return true
	}
	if !strings.HasPrefix(path, scope) {
		return false
	}
	return len(path) == len(scope) || path[len(scope)] == '/'
}
