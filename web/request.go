// Package web defines the request/response surface shared by the router,
// the middleware chain and the dispatcher.
package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Classification tags the dispatch path chosen for a request.
type Classification string

const (
	// ClassUltraFast serves a fully pre-computed cached response without
	// running the middleware chain.
	ClassUltraFast Classification = "ultra-fast"

	// ClassFast runs a short, side-effect-free middleware chain.
	ClassFast Classification = "fast"

	// ClassStandard is the general dispatch path.
	ClassStandard Classification = "standard"
)

// StageMark records when a processing stage finished, relative to Start.
type StageMark struct {
	Stage   string
	Elapsed time.Duration
}

// Request is the per-request state owned by the dispatcher for the lifetime
// of one request. It is never shared across requests.
type Request struct {
	ID     string
	Method string
	URL    string
	Path   string

	Query   url.Values
	Headers http.Header
	Cookies map[string]string

	// Body holds the raw payload; JSON and Form hold the parsed forms
	// when the content type is recognized.
	Body []byte
	JSON interface{}
	Form url.Values

	RemoteAddr string
	Protocol   string

	// Params holds route parameters extracted by the route table.
	Params map[string]string

	Classification Classification

	Start time.Time
	marks []StageMark

	ctx context.Context
	raw *http.Request
}

// NewRequest builds a Request from the incoming http.Request. Body parsing
// is the dispatcher's job.
func NewRequest(r *http.Request) *Request {
	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}
	return &Request{
		ID:             uuid.NewString(),
		Method:         strings.ToUpper(r.Method),
		URL:            r.URL.String(),
		Path:           r.URL.Path,
		Query:          r.URL.Query(),
		Headers:        r.Header,
		Cookies:        cookies,
		RemoteAddr:     r.RemoteAddr,
		Protocol:       r.Proto,
		Classification: ClassStandard,
		Start:          time.Now(),
		ctx:            r.Context(),
		raw:            r,
	}
}

// Context returns the request-scoped context carrying cancellation.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext replaces the request context; used by the timeout layer.
func (r *Request) WithContext(ctx context.Context) {
	r.ctx = ctx
}

// Raw exposes the underlying http.Request for collaborators that need it
// (multipart handling, upgrades).
func (r *Request) Raw() *http.Request {
	return r.raw
}

// Mark records a stage timing.
func (r *Request) Mark(stage string) {
	r.marks = append(r.marks, StageMark{Stage: stage, Elapsed: time.Since(r.Start)})
}

// Marks returns the recorded stage timings in order.
func (r *Request) Marks() []StageMark {
	return r.marks
}

// Param returns a route parameter by name.
func (r *Request) Param(name string) string {
	return r.Params[name]
}

// ClientIP extracts the remote host without the port.
func (r *Request) ClientIP() string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 && strings.Count(addr, ":") == 1 {
		return addr[:i]
	}
	if strings.HasPrefix(addr, "[") {
		if i := strings.Index(addr, "]"); i > 0 {
			return addr[1:i]
		}
	}
	return addr
}

// NewRequestID returns a fresh opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
