// Package router implements the method+pattern route table with parameter
// extraction and regexp support.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xypriss/xypriss/web"
)

// MethodAll matches any request method.
const MethodAll = "ALL"

// Stats accumulates per-route dispatch counters.
type Stats struct {
	invocations uint64
	totalNanos  int64
}

// Record adds one invocation with its handler latency.
func (s *Stats) Record(d time.Duration) {
	atomic.AddUint64(&s.invocations, 1)
	atomic.AddInt64(&s.totalNanos, d.Nanoseconds())
}

// Invocations returns the dispatch count.
func (s *Stats) Invocations() uint64 {
	return atomic.LoadUint64(&s.invocations)
}

// AvgLatency returns the mean handler latency.
func (s *Stats) AvgLatency() time.Duration {
	n := atomic.LoadUint64(&s.invocations)
	if n == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&s.totalNanos) / int64(n))
}

// Route is one registered route.
type Route struct {
	Method  string
	Pattern string

	// MiddlewareIDs are route-specific middleware, run after the global
	// chain in registration order.
	MiddlewareIDs []string

	Handler web.HandlerFunc

	Stats Stats

	segments   []string // literal/param segments, nil for regex routes
	paramIdx   map[int]string
	re         *regexp.Regexp
	paramNames []string
	literal    bool // no parameters at all
}

// Table maps method+path to routes. Mutations are guarded by a writer
// lock; lookups take snapshot reads so dispatch never blocks on Add.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable returns an empty route table.
func NewTable() *Table {
	return &Table{}
}

// Add registers a literal or `:param` pattern. The first route added that
// matches wins; collisions are the registrant's responsibility.
func (t *Table) Add(method, pattern string, middlewareIDs []string, handler web.HandlerFunc) (*Route, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", pattern)
	}
	segs := strings.Split(pattern, "/")[1:]
	paramIdx := make(map[int]string)
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			name := s[1:]
			if name == "" {
				return nil, fmt.Errorf("pattern %q has an unnamed parameter", pattern)
			}
			paramIdx[i] = name
		}
	}
	r := &Route{
		Method:        normalizeMethod(method),
		Pattern:       pattern,
		MiddlewareIDs: middlewareIDs,
		Handler:       handler,
		segments:      segs,
		paramIdx:      paramIdx,
		literal:       len(paramIdx) == 0,
	}
	t.mu.Lock()
	t.routes = append(t.routes, r)
	t.mu.Unlock()
	return r, nil
}

// AddRegex registers a regexp route matched against the full path.
// paramNames map capture groups to parameter names in order; when absent,
// named captures or positional fallbacks (param1, param2, ...) are used.
func (t *Table) AddRegex(method string, re *regexp.Regexp, paramNames []string, middlewareIDs []string, handler web.HandlerFunc) (*Route, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if re == nil {
		return nil, fmt.Errorf("regexp must not be nil")
	}
	r := &Route{
		Method:        normalizeMethod(method),
		Pattern:       re.String(),
		MiddlewareIDs: middlewareIDs,
		Handler:       handler,
		re:            re,
		paramNames:    paramNames,
	}
	t.mu.Lock()
	t.routes = append(t.routes, r)
	t.mu.Unlock()
	return r, nil
}

// Lookup finds the first matching route. An exact literal match wins over a
// parameterized one; otherwise insertion order decides.
func (t *Table) Lookup(method, path string) (*Route, map[string]string, bool) {
	method = strings.ToUpper(method)

	t.mu.RLock()
	routes := t.routes
	t.mu.RUnlock()

	var fallback *Route
	var fallbackParams map[string]string
	for _, r := range routes {
		if r.Method != MethodAll && r.Method != method {
			continue
		}
		params, ok := r.match(path)
		if !ok {
			continue
		}
		if r.literal && r.re == nil {
			return r, params, true
		}
		if fallback == nil {
			fallback = r
			fallbackParams = params
		}
	}
	if fallback != nil {
		return fallback, fallbackParams, true
	}
	return nil, nil, false
}

// Routes returns a snapshot of registered routes.
func (t *Table) Routes() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func (r *Route) match(path string) (map[string]string, bool) {
	if r.re != nil {
		return r.matchRegex(path)
	}
	segs := strings.Split(path, "/")[1:]
	if len(segs) != len(r.segments) {
		return nil, false
	}
	var params map[string]string
	for i, want := range r.segments {
		got := segs[i]
		if name, ok := r.paramIdx[i]; ok {
			if got == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, len(r.paramIdx))
			}
			params[name] = got
			continue
		}
		if got != want {
			return nil, false
		}
	}
	return params, true
}

func (r *Route) matchRegex(path string) (map[string]string, bool) {
	m := r.re.FindStringSubmatch(path)
	if m == nil || m[0] != path {
		return nil, false
	}
	captures := m[1:]
	if len(captures) == 0 {
		return nil, true
	}
	params := make(map[string]string, len(captures))
	names := r.re.SubexpNames()[1:]
	for i, v := range captures {
		switch {
		case i < len(r.paramNames) && r.paramNames[i] != "":
			params[r.paramNames[i]] = v
		case i < len(names) && names[i] != "":
			params[names[i]] = v
		default:
			params[fmt.Sprintf("param%d", i+1)] = v
		}
	}
	return params, true
}

func normalizeMethod(method string) string {
	m := strings.ToUpper(method)
	if m == "" || m == "ALL" || m == "*" {
		return MethodAll
	}
	return m
}
