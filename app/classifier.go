// Package app wires the classifier, dispatcher, route table, middleware
// chain, cache and plugin engine into a runnable HTTP application.
package app

import (
	"strings"
	"sync"

	"github.com/xypriss/xypriss/middleware"
	"github.com/xypriss/xypriss/web"
)

// personalizationCookies are cookie names that indicate a per-user
// response; their presence disqualifies the ultra-fast path.
var personalizationCookies = []string{
	"session", "sessionid", "sid", "connect.sid",
	"auth", "token", "jwt", "access_token", "refresh_token",
	"user", "userid", "uid",
}

// Classifier assigns the dispatch path for each request. Classification
// is deterministic from the request and the registered templates.
type Classifier struct {
	mu        sync.RWMutex
	templates map[string]bool
	chain     *middleware.Chain
}

// NewClassifier returns a classifier backed by chain for fast-path
// middleware probing.
func NewClassifier(chain *middleware.Chain) *Classifier {
	return &Classifier{
		templates: make(map[string]bool),
		chain:     chain,
	}
}

// RegisterUltraFast marks path as an ultra-fast template. Matching is
// exact; parameterized paths are not eligible.
func (c *Classifier) RegisterUltraFast(path string) {
	c.mu.Lock()
	c.templates[path] = true
	c.mu.Unlock()
}

// UltraFastKey is the cache key for an ultra-fast response.
func UltraFastKey(method, path string) string {
	return "ultra:" + strings.ToUpper(method) + ":" + path
}

// Classify tags req with its dispatch path and returns it.
func (c *Classifier) Classify(req *web.Request) web.Classification {
	if c.isUltraFast(req) {
		req.Classification = web.ClassUltraFast
		return web.ClassUltraFast
	}
	if c.isFast(req) {
		req.Classification = web.ClassFast
		return web.ClassFast
	}
	req.Classification = web.ClassStandard
	return web.ClassStandard
}

func (c *Classifier) isUltraFast(req *web.Request) bool {
	if req.Method != "GET" && req.Method != "HEAD" {
		return false
	}
	c.mu.RLock()
	ok := c.templates[req.Path]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	for name := range req.Cookies {
		lower := strings.ToLower(name)
		for _, p := range personalizationCookies {
			if lower == p {
				return false
			}
		}
	}
	return true
}

func (c *Classifier) isFast(req *web.Request) bool {
	if c.chain == nil {
		return true
	}
	for _, m := range c.chain.ActiveFor(req.Path) {
		if !m.FastSafe {
			return false
		}
	}
	return true
}
