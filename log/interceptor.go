package log

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/xypriss/xypriss/secure"
)

// PreserveMode controls where an intercepted line is delivered.
type PreserveMode int

const (
	// PreserveOriginal delivers only to the original stream.
	PreserveOriginal PreserveMode = iota
	// PreserveIntercepted delivers only to the logging route.
	PreserveIntercepted
	// PreserveBoth delivers to both destinations.
	PreserveBoth
	// PreserveNone swallows the line entirely.
	PreserveNone
)

// ParsePreserveMode accepts the enum names plus the legacy boolean forms
// ("true" meaning PreserveBoth, "false" meaning PreserveIntercepted).
func ParsePreserveMode(s string) (PreserveMode, error) {
	switch strings.ToLower(s) {
	case "original":
		return PreserveOriginal, nil
	case "intercepted", "false":
		return PreserveIntercepted, nil
	case "both", "true", "":
		return PreserveBoth, nil
	case "none":
		return PreserveNone, nil
	}
	return 0, fmt.Errorf("unknown preserve mode %q", s)
}

// DisplayMode controls the shape of encrypted captures on the logging route.
type DisplayMode int

const (
	DisplayReadable DisplayMode = iota
	DisplayEncryptedHash
	DisplayBoth
)

// ParseDisplayMode maps the configuration names onto DisplayMode.
func ParseDisplayMode(s string) (DisplayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readable", "":
		return DisplayReadable, nil
	case "encrypted-hash", "encrypted-hash-only", "hash":
		return DisplayEncryptedHash, nil
	case "both":
		return DisplayBoth, nil
	}
	return 0, fmt.Errorf("unknown display mode %q", s)
}

const defaultTraceSize = 1000

// Capture is a single intercepted write.
type Capture struct {
	Stream    string    `json:"stream"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Truncated bool      `json:"truncated,omitempty"`
	Time      time.Time `json:"time"`
}

// InterceptorStats is a snapshot of interceptor activity.
type InterceptorStats struct {
	Intercepted uint64
	RateLimited uint64
	Filtered    uint64
	HookErrors  uint64
}

// InterceptorConfig configures an Interceptor. The zero value intercepts
// nothing useful; callers normally build it from config.ConsoleInterception.
type InterceptorConfig struct {
	// MaxPerSecond limits captures routed per second. Excess writes pass
	// through to the original stream. Zero means unlimited.
	MaxPerSecond int

	// MinLevel drops captures below this level from the logging route
	// ("debug" < "info" < "warn" < "error"). Empty means debug.
	MinLevel string

	// MaxLength truncates routed messages. Zero means unlimited.
	MaxLength int

	// IncludePatterns, when non-empty, require at least one match.
	// ExcludePatterns drop matching lines from the route. A pattern
	// delimited by slashes (/.../) is compiled as a regular expression;
	// anything else matches as a literal substring.
	IncludePatterns []string
	ExcludePatterns []string

	Preserve PreserveMode

	// Route receives accepted captures, one line per capture.
	// When nil, captures are only traced.
	Route io.Writer

	// Encrypt seals routed captures with the provider before display.
	Encrypt  bool
	Key      []byte
	Provider secure.Provider
	Display  DisplayMode

	// TraceEnabled allows trace hooks and fills the trace ring.
	TraceEnabled bool
	TraceSize    int
}

type pattern struct {
	literal string
	re      *regexp.Regexp
}

func (p *pattern) match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return strings.Contains(s, p.literal)
}

func compilePatterns(src []string) ([]pattern, error) {
	ps := make([]pattern, 0, len(src))
	for _, s := range src {
		if len(s) > 1 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
			re, err := regexp.Compile(s[1 : len(s)-1])
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", s, err)
			}
			ps = append(ps, pattern{re: re})
			continue
		}
		ps = append(ps, pattern{literal: s})
	}
	return ps, nil
}

// Interceptor captures writes to the process stdout/stderr streams.
type Interceptor struct {
	cfg      InterceptorConfig
	include  []pattern
	exclude  []pattern
	minLevel int
	limiter  *rate.Limiter

	// handling counts captures currently inside route or trace delivery.
	// Writes arriving while it is raised come from the route writer or a
	// trace hook and are forwarded untouched.
	handling int32

	stats struct {
		intercepted uint64
		rateLimited uint64
		filtered    uint64
		hookErrors  uint64
	}

	mu    sync.Mutex
	ring  []Capture
	next  int
	full  bool
	hooks []func(Capture)

	prevStdout io.Writer
	prevStderr io.Writer
	installed  bool
}

// NewInterceptor validates cfg and builds an interceptor. It does not touch
// the streams until Install is called.
func NewInterceptor(cfg InterceptorConfig) (*Interceptor, error) {
	include, err := compilePatterns(cfg.IncludePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if cfg.Provider == nil {
			return nil, fmt.Errorf("encryption requires a crypto provider")
		}
		if len(cfg.Key) != secure.KeySize {
			return nil, fmt.Errorf("encryption key must be %d bytes, got %d", secure.KeySize, len(cfg.Key))
		}
	}
	size := cfg.TraceSize
	if size <= 0 {
		size = defaultTraceSize
	}
	i := &Interceptor{
		cfg:      cfg,
		include:  include,
		exclude:  exclude,
		minLevel: levelRank(cfg.MinLevel),
		ring:     make([]Capture, size),
	}
	if cfg.MaxPerSecond > 0 {
		i.limiter = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), cfg.MaxPerSecond)
	}
	return i, nil
}

// Install swaps the package stream writers so that every write flows through
// the interceptor. Idempotent.
func (i *Interceptor) Install() {
	if i.installed {
		return
	}
	i.prevStdout = stdout.swap(&interceptWriter{i: i, stream: "stdout"})
	i.prevStderr = stderr.swap(&interceptWriter{i: i, stream: "stderr"})
	for _, w := range []io.Writer{i.prevStdout, i.prevStderr} {
		if _, ok := w.(*interceptWriter); ok {
			panic("BUG: interceptor installed over another interceptor")
		}
	}
	i.installed = true
}

// Uninstall restores the original stream writers.
func (i *Interceptor) Uninstall() {
	if !i.installed {
		return
	}
	stdout.swap(i.prevStdout)
	stderr.swap(i.prevStderr)
	i.installed = false
}

// RegisterTraceHook subscribes fn to every capture. Hooks are rejected when
// tracing is disabled.
func (i *Interceptor) RegisterTraceHook(fn func(Capture)) error {
	if !i.cfg.TraceEnabled {
		Warnf("console interception: trace hook rejected, tracing is disabled")
		return fmt.Errorf("tracing is disabled")
	}
	i.mu.Lock()
	i.hooks = append(i.hooks, fn)
	i.mu.Unlock()
	return nil
}

// Captures returns the trace ring contents, oldest first.
func (i *Interceptor) Captures() []Capture {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.cfg.TraceEnabled {
		return nil
	}
	if !i.full {
		out := make([]Capture, i.next)
		copy(out, i.ring[:i.next])
		return out
	}
	out := make([]Capture, 0, len(i.ring))
	out = append(out, i.ring[i.next:]...)
	out = append(out, i.ring[:i.next]...)
	return out
}

// Stats returns a snapshot of interceptor counters.
func (i *Interceptor) Stats() InterceptorStats {
	return InterceptorStats{
		Intercepted: atomic.LoadUint64(&i.stats.intercepted),
		RateLimited: atomic.LoadUint64(&i.stats.rateLimited),
		Filtered:    atomic.LoadUint64(&i.stats.filtered),
		HookErrors:  atomic.LoadUint64(&i.stats.hookErrors),
	}
}

type interceptWriter struct {
	i      *Interceptor
	stream string
}

func (w *interceptWriter) Write(p []byte) (int, error) {
	return w.i.capture(w.stream, w.orig(), p)
}

func (w *interceptWriter) orig() io.Writer {
	if w.stream == "stdout" {
		return w.i.prevStdout
	}
	return w.i.prevStderr
}

func (i *Interceptor) capture(stream string, orig io.Writer, p []byte) (int, error) {
	if atomic.LoadInt32(&i.handling) > 0 {
		return orig.Write(p)
	}

	msg := strings.TrimRight(string(p), "\n")
	level := detectLevel(msg)

	if i.limiter != nil && !i.limiter.Allow() {
		atomic.AddUint64(&i.stats.rateLimited, 1)
		return orig.Write(p)
	}
	if !i.accept(level, msg) {
		atomic.AddUint64(&i.stats.filtered, 1)
		return orig.Write(p)
	}

	c := Capture{
		Stream:  stream,
		Level:   level,
		Message: msg,
		Time:    time.Now().UTC(),
	}
	if i.cfg.MaxLength > 0 && len(c.Message) > i.cfg.MaxLength {
		c.Message = c.Message[:i.cfg.MaxLength]
		c.Truncated = true
	}
	atomic.AddUint64(&i.stats.intercepted, 1)
	atomic.AddInt32(&i.handling, 1)
	defer atomic.AddInt32(&i.handling, -1)
	i.trace(c)

	switch i.cfg.Preserve {
	case PreserveOriginal:
		return orig.Write(p)
	case PreserveIntercepted:
		i.route(c)
		return len(p), nil
	case PreserveBoth:
		i.route(c)
		return orig.Write(p)
	case PreserveNone:
		return len(p), nil
	}
	return orig.Write(p)
}

func (i *Interceptor) accept(level, msg string) bool {
	if levelRank(level) < i.minLevel {
		return false
	}
	for idx := range i.exclude {
		if i.exclude[idx].match(msg) {
			return false
		}
	}
	if len(i.include) == 0 {
		return true
	}
	for idx := range i.include {
		if i.include[idx].match(msg) {
			return true
		}
	}
	return false
}

func (i *Interceptor) route(c Capture) {
	if i.cfg.Route == nil {
		return
	}
	line, err := i.render(c)
	if err != nil {
		atomic.AddUint64(&i.stats.hookErrors, 1)
		return
	}
	i.mu.Lock()
	fmt.Fprintln(i.cfg.Route, line)
	i.mu.Unlock()
}

func (i *Interceptor) render(c Capture) (string, error) {
	if !i.cfg.Encrypt {
		return fmt.Sprintf("[%s/%s] %s", c.Stream, c.Level, c.Message), nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	env, err := secure.Seal(i.cfg.Provider, i.cfg.Key, raw, []byte("console"))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(env.Ciphertext)
	hash := hex.EncodeToString(sum[:8])
	switch i.cfg.Display {
	case DisplayReadable:
		return fmt.Sprintf("[%s/%s] %s", c.Stream, c.Level, c.Message), nil
	case DisplayEncryptedHash:
		return fmt.Sprintf("[%s/enc] %s", c.Stream, hash), nil
	default:
		return fmt.Sprintf("[%s/%s enc=%s] %s", c.Stream, c.Level, hash, c.Message), nil
	}
}

func (i *Interceptor) trace(c Capture) {
	if !i.cfg.TraceEnabled {
		return
	}
	i.mu.Lock()
	i.ring[i.next] = c
	i.next++
	if i.next == len(i.ring) {
		i.next = 0
		i.full = true
	}
	hooks := make([]func(Capture), len(i.hooks))
	copy(hooks, i.hooks)
	i.mu.Unlock()

	for _, h := range hooks {
		i.invokeHook(h, c)
	}
}

func (i *Interceptor) invokeHook(h func(Capture), c Capture) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&i.stats.hookErrors, 1)
		}
	}()
	h(c)
}

func detectLevel(msg string) string {
	switch {
	case strings.HasPrefix(msg, "DEBUG"):
		return "debug"
	case strings.HasPrefix(msg, "INFO"):
		return "info"
	case strings.HasPrefix(msg, "WARN"):
		return "warn"
	case strings.HasPrefix(msg, "ERROR"), strings.HasPrefix(msg, "FATAL"):
		return "error"
	}
	return "info"
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "", "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error", "fatal":
		return 3
	}
	return 0
}

// swappableWriter lets the interceptor replace a stream destination while
// loggers keep a stable io.Writer reference.
type swappableWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func newSwappableWriter(w io.Writer) *swappableWriter {
	return &swappableWriter{w: w}
}

func (s *swappableWriter) Write(p []byte) (int, error) {
	s.mu.RLock()
	w := s.w
	s.mu.RUnlock()
	return w.Write(p)
}

func (s *swappableWriter) swap(w io.Writer) io.Writer {
	s.mu.Lock()
	prev := s.w
	s.w = w
	s.mu.Unlock()
	return prev
}
