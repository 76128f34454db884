package plugin

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xypriss/xypriss/log"
)

// NewBuiltin materializes one of the bundled plugins by type name.
// Unknown types are an error so config typos surface at startup.
func NewBuiltin(id, typ string, priority int, cfg map[string]interface{}) (Plugin, error) {
	switch typ {
	case "request-logger":
		return &requestLogger{base: base{id: id, typ: TypeOther, priority: priority}}, nil
	case "slow-request":
		threshold := time.Second
		if v, ok := cfg["threshold"].(string); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("plugin %q: bad threshold %q: %w", id, v, err)
			}
			threshold = d
		}
		return &slowRequest{base: base{id: id, typ: TypePerformance, priority: priority}, threshold: threshold}, nil
	case "cache-observer":
		return &cacheObserver{base: base{id: id, typ: TypeCache, priority: priority}}, nil
	case "error-reporter":
		return &errorReporter{base: base{id: id, typ: TypeSecurity, priority: priority}}, nil
	}
	return nil, fmt.Errorf("unknown builtin plugin type %q for id %q", typ, id)
}

// base supplies the identity and no-op lifecycle shared by builtins.
type base struct {
	id       string
	typ      Type
	priority int
}

func (b *base) ID() string { return b.id }

func (b *base) Type() Type { return b.typ }

func (b *base) Priority() int { return b.priority }

func (b *base) Init(ctx context.Context) error { return nil }

func (b *base) Start(ctx context.Context) error { return nil }

func (b *base) Stop(ctx context.Context) error { return nil }

// requestLogger logs request completions at debug level.
type requestLogger struct {
	base
}

func (p *requestLogger) Hooks() []Hook {
	return []Hook{HookRequestEnd}
}

func (p *requestLogger) OnHook(ctx context.Context, ev Event) error {
	log.Debugf("%s %s -> %d in %s", ev.Method, ev.Path, ev.Status, ev.Elapsed)
	return nil
}

// slowRequest warns when a request exceeds the configured threshold.
type slowRequest struct {
	base
	threshold time.Duration
}

func (p *slowRequest) Hooks() []Hook {
	return []Hook{HookRequestEnd}
}

func (p *slowRequest) OnHook(ctx context.Context, ev Event) error {
	if ev.Elapsed >= p.threshold {
		log.Warnf("slow request: %s %s took %s (threshold %s)", ev.Method, ev.Path, ev.Elapsed, p.threshold)
	}
	return nil
}

// cacheObserver keeps running hit/miss counts.
type cacheObserver struct {
	base
	hits   uint64
	misses uint64
}

func (p *cacheObserver) Hooks() []Hook {
	return []Hook{HookCacheHit, HookCacheMiss}
}

func (p *cacheObserver) OnHook(ctx context.Context, ev Event) error {
	switch ev.Hook {
	case HookCacheHit:
		atomic.AddUint64(&p.hits, 1)
	case HookCacheMiss:
		atomic.AddUint64(&p.misses, 1)
	}
	return nil
}

// Counts returns the observed hit and miss totals.
func (p *cacheObserver) Counts() (hits, misses uint64) {
	return atomic.LoadUint64(&p.hits), atomic.LoadUint64(&p.misses)
}

// errorReporter logs request errors with their path context.
type errorReporter struct {
	base
}

func (p *errorReporter) Hooks() []Hook {
	return []Hook{HookRequestError}
}

func (p *errorReporter) OnHook(ctx context.Context, ev Event) error {
	log.Errorf("request error on %s %s: %s", ev.Method, ev.Path, ev.Err)
	return nil
}
