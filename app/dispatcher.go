package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
	"github.com/xypriss/xypriss/middleware"
	"github.com/xypriss/xypriss/plugin"
	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/web"
)

type routeTimeout struct {
	g glob.Glob
	d time.Duration
}

// Dispatcher orchestrates one request end to end: backpressure, body
// parsing, classification, the ultra-fast cache path, the middleware
// chain, route dispatch and plugin hooks.
type Dispatcher struct {
	server   config.Server
	requests config.Requests

	classifier *Classifier
	chain      *middleware.Chain
	table      *router.Table
	cache      *cache.SecureCache
	plugins    *plugin.Engine
	limiter    *Limiter

	notFound     web.HandlerFunc
	errorHandler web.ErrorHandlerFunc

	defaultTimeout time.Duration
	routeTimeouts  []routeTimeout
}

// NewDispatcher wires the dispatch pipeline. cache and plugins may be nil
// when the corresponding subsystem is disabled.
func NewDispatcher(cfg *config.Config, classifier *Classifier, chain *middleware.Chain,
	table *router.Table, sc *cache.SecureCache, engine *plugin.Engine, limiter *Limiter) *Dispatcher {

	d := &Dispatcher{
		server:     cfg.Server,
		requests:   cfg.Requests,
		classifier: classifier,
		chain:      chain,
		table:      table,
		cache:      sc,
		plugins:    engine,
		limiter:    limiter,
	}
	if cfg.Requests.Timeout.Enabled {
		d.defaultTimeout = time.Duration(cfg.Requests.Timeout.DefaultTimeout)
		for pattern, dur := range cfg.Requests.Timeout.Routes {
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				log.Errorf("cannot compile timeout route pattern %q: %s", pattern, err)
				continue
			}
			d.routeTimeouts = append(d.routeTimeouts, routeTimeout{g: g, d: time.Duration(dur)})
		}
	}
	return d
}

// SetNotFound installs the user 404 handler.
func (d *Dispatcher) SetNotFound(h web.HandlerFunc) { d.notFound = h }

// SetErrorHandler installs the user error handler, consulted before the
// default error body.
func (d *Dispatcher) SetErrorHandler(h web.ErrorHandlerFunc) { d.errorHandler = h }

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.limiter != nil {
		release, err := d.limiter.Acquire(r.Context(), clientIP(r.RemoteAddr), r.URL.Path)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			requestsRejected.Inc()
			web.RespondError(web.NewResponse(w), err)
			return
		}
		defer release()
	}

	if max := int(d.requests.Payload.MaxURLLength); max > 0 && len(r.URL.RequestURI()) > max {
		web.RespondError(web.NewResponse(w), &web.ValidationError{
			Status:  http.StatusRequestURITooLong,
			Code:    "url_too_long",
			Message: fmt.Sprintf("url exceeds %d bytes", max),
		})
		return
	}

	timeout := d.timeoutFor(r.URL.Path)
	if timeout <= 0 {
		d.dispatch(w, r)
		return
	}
	d.dispatchWithTimeout(w, r, timeout)
}

// dispatchWithTimeout runs dispatch under a deadline. On expiry a 408 is
// written, late handler writes are dropped, and the request context is
// cancelled so in-flight work can abort cooperatively.
func (d *Dispatcher) dispatchWithTimeout(w http.ResponseWriter, r *http.Request, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	r = r.WithContext(ctx)

	tw := &timeoutWriter{w: w}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.dispatch(tw, r)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if tw.timeout() {
			res := web.NewResponse(w)
			web.RespondError(res, &web.TimeoutError{After: timeout.String()})
			requestsTimedOut.Inc()
		}
		cancel()
	}
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request) {
	req := web.NewRequest(r)
	res := web.NewResponse(w)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("panic serving %s %s: %v", req.Method, req.Path, rec)
			err := fmt.Errorf("handler panicked: %v", rec)
			d.fire(plugin.Event{
				Hook: plugin.HookRequestError, RequestID: req.ID,
				Method: req.Method, Path: req.Path, Err: err,
			})
			if !res.Sent() {
				web.RespondError(res, err)
			}
		}
		requestsTotal.WithLabelValues(string(req.Classification), statusClass(res.StatusCode())).Inc()
		requestDuration.Observe(time.Since(start).Seconds())
		d.fire(plugin.Event{
			Hook: plugin.HookRequestEnd, RequestID: req.ID,
			Method: req.Method, Path: req.Path,
			Status: res.StatusCode(), Elapsed: time.Since(start),
		})
	}()

	if err := d.parseBody(req, r); err != nil {
		d.handleError(err, req, res)
		return
	}
	req.Mark("parse")

	d.classifier.Classify(req)
	req.Mark("classify")

	if req.Classification == web.ClassUltraFast && d.serveUltraFast(req, res) {
		return
	}

	d.fire(plugin.Event{
		Hook: plugin.HookRequestStart, RequestID: req.ID,
		Method: req.Method, Path: req.Path,
	})

	route, params, found := d.table.Lookup(req.Method, req.Path)
	var (
		routeIDs []string
		final    web.HandlerFunc
	)
	if found {
		req.Params = params
		routeIDs = route.MiddlewareIDs
		final = func(req *web.Request, res *web.Response) {
			hStart := time.Now()
			route.Handler(req, res)
			route.Stats.Record(time.Since(hStart))
			req.Mark("handler")
		}
	} else {
		final = func(req *web.Request, res *web.Response) {
			if d.notFound != nil {
				d.notFound(req, res)
				return
			}
			d.handleError(&web.RouteMatchError{Method: req.Method, Path: req.Path}, req, res)
		}
	}

	d.chain.Execute(req, res, routeIDs, final)
	req.Mark("chain")

	if !res.Sent() {
		// Handler finished without writing; commit the buffered status.
		res.Send(nil)
	}
}

// serveUltraFast answers from the cache without entering the chain.
// Returns false on miss so the standard path takes over.
func (d *Dispatcher) serveUltraFast(req *web.Request, res *web.Response) bool {
	if d.cache == nil {
		return false
	}
	key := UltraFastKey(req.Method, req.Path)
	v, ok := d.cache.Get(req.Context(), key)
	if !ok {
		d.fire(plugin.Event{Hook: plugin.HookCacheMiss, RequestID: req.ID, CacheKey: key})
		return false
	}
	body, ok := ultraFastBody(v)
	if !ok {
		log.Errorf("unusable cached body for %q", key)
		return false
	}
	res.Set("Content-Type", "application/json")
	res.Set("X-Cache", "HIT")
	res.Send(body)
	ultraFastHits.Inc()
	d.fire(plugin.Event{Hook: plugin.HookCacheHit, RequestID: req.ID, CacheKey: key})
	req.Mark("ultra-fast")
	return true
}

func ultraFastBody(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		return enc, true
	}
}

// parseBody reads and decodes the payload per content type. Limits come
// from the server and payload configuration.
func (d *Dispatcher) parseBody(req *web.Request, r *http.Request) error {
	if r.Body == nil {
		return nil
	}
	switch req.Method {
	case "POST", "PUT", "PATCH":
	default:
		return nil
	}

	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		ct = ""
	}
	if !d.mimeAllowed(ct) {
		return &web.ValidationError{
			Status:  http.StatusUnsupportedMediaType,
			Code:    "unsupported_media_type",
			Message: fmt.Sprintf("content type %q not allowed", ct),
		}
	}
	if ct == "multipart/form-data" {
		// Left to the file-upload middleware, which streams parts.
		return nil
	}

	limit := d.bodyLimit(ct)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return &web.ValidationError{Code: "body_read", Message: "cannot read request body"}
	}
	if int64(len(body)) > limit {
		return &web.ValidationError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "payload_too_large",
			Message: fmt.Sprintf("body exceeds %d bytes", limit),
		}
	}
	req.Body = body

	switch ct {
	case "application/json":
		if !d.server.AutoParseJSON || len(body) == 0 {
			return nil
		}
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return &web.ValidationError{Code: "invalid_json", Message: "malformed JSON body"}
		}
		req.JSON = v
	case "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return &web.ValidationError{Code: "invalid_form", Message: "malformed form body"}
		}
		req.Form = form
	}
	return nil
}

func (d *Dispatcher) bodyLimit(ct string) int64 {
	switch ct {
	case "application/json":
		if d.server.JSONLimit > 0 {
			return int64(d.server.JSONLimit)
		}
	case "application/x-www-form-urlencoded":
		if d.server.URLEncodedLimit > 0 {
			return int64(d.server.URLEncodedLimit)
		}
	}
	if d.requests.Payload.MaxBodySize > 0 {
		return int64(d.requests.Payload.MaxBodySize)
	}
	return 10 << 20
}

func (d *Dispatcher) mimeAllowed(ct string) bool {
	allowed := d.requests.Payload.AllowedMimeTypes
	if len(allowed) == 0 || ct == "" {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ct) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleError(err error, req *web.Request, res *web.Response) {
	d.fire(plugin.Event{
		Hook: plugin.HookRequestError, RequestID: req.ID,
		Method: req.Method, Path: req.Path, Err: err,
	})
	if d.errorHandler != nil {
		handled := true
		d.errorHandler(err, req, res, func(nextErr error) {
			handled = false
			if nextErr != nil {
				err = nextErr
			}
		})
		if handled || res.Sent() {
			return
		}
	}
	web.RespondError(res, err)
}

func (d *Dispatcher) fire(ev plugin.Event) {
	if d.plugins == nil {
		return
	}
	d.plugins.Fire(context.Background(), ev)
}

func (d *Dispatcher) timeoutFor(path string) time.Duration {
	for _, rt := range d.routeTimeouts {
		if rt.g.Match(path) {
			return rt.d
		}
	}
	return d.defaultTimeout
}

func clientIP(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 && strings.Count(remoteAddr, ":") == 1 {
		return remoteAddr[:i]
	}
	if strings.HasPrefix(remoteAddr, "[") {
		if i := strings.Index(remoteAddr, "]"); i > 0 {
			return remoteAddr[1:i]
		}
	}
	return remoteAddr
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// timeoutWriter drops writes that arrive after the deadline fired so the
// 408 body is the only thing the client sees.
type timeoutWriter struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	timedOut bool
	wrote    bool
}

func (t *timeoutWriter) Header() http.Header {
	return t.w.Header()
}

func (t *timeoutWriter) WriteHeader(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timedOut {
		return
	}
	t.wrote = true
	t.w.WriteHeader(code)
}

func (t *timeoutWriter) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	t.wrote = true
	return t.w.Write(b)
}

// timeout flips the writer into drop mode. Returns false when the
// response was already committed, in which case the request is allowed
// to finish untouched.
func (t *timeoutWriter) timeout() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wrote {
		return false
	}
	t.timedOut = true
	return true
}
