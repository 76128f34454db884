package netplug

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/xypriss/xypriss/internal/counter"
	"github.com/xypriss/xypriss/log"
)

const (
	defaultHealthCheckPath     = "/health"
	defaultHealthCheckInterval = 5 * time.Second
	defaultUnhealthyThreshold  = 3
	defaultHealthyThreshold    = 2

	// breaker settings for the optional per-upstream circuit breaker.
	breakerTripFailures = 5
	breakerCooldown     = 30 * time.Second
)

// upstreamNode is one proxy target with its health and load state.
type upstreamNode struct {
	addr   *url.URL
	weight int

	// Whether the node currently receives traffic.
	active atomic.Bool

	// Counter of in-flight proxied requests.
	connections counter.Counter

	// Consecutive health check failures and successes.
	failStreak    int
	successStreak int

	// EWMA of proxied response time in nanoseconds.
	respTime atomic.Int64

	// Circuit breaker: consecutive proxy failures and trip deadline.
	breakerFails atomic.Uint32
	breakerUntil atomic.Int64
}

func newUpstreamNode(raw string, weight int) (*upstreamNode, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("cannot parse upstream url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must be http or https", raw)
	}
	if weight <= 0 {
		weight = 1
	}
	n := &upstreamNode{addr: u, weight: weight}
	n.active.Store(true)
	return n, nil
}

func (n *upstreamNode) isActive() bool {
	if !n.active.Load() {
		return false
	}
	if until := n.breakerUntil.Load(); until > 0 && time.Now().UnixNano() < until {
		return false
	}
	return true
}

// observe feeds one proxied round trip into the response-time EWMA and
// the circuit breaker.
func (n *upstreamNode) observe(d time.Duration, failed bool, breakerEnabled bool) {
	const alpha = 0.3
	prev := n.respTime.Load()
	next := int64(alpha*float64(d.Nanoseconds()) + (1-alpha)*float64(prev))
	if prev == 0 {
		next = d.Nanoseconds()
	}
	n.respTime.Store(next)

	if !breakerEnabled {
		return
	}
	if !failed {
		n.breakerFails.Store(0)
		return
	}
	if n.breakerFails.Add(1) >= breakerTripFailures {
		n.breakerUntil.Store(time.Now().Add(breakerCooldown).UnixNano())
		n.breakerFails.Store(0)
		log.Warnf("upstream %s circuit opened for %s", n.addr, breakerCooldown)
		upstreamBreakerTrips.Inc()
	}
}

// checkHealth probes the health endpoint once and flips the active flag
// when a threshold streak completes.
func (n *upstreamNode) checkHealth(ctx context.Context, client *http.Client, path string, unhealthyAfter, healthyAfter int) {
	u := *n.addr
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		log.Errorf("cannot build health check request for %s: %s", n.addr, err)
		return
	}
	resp, err := client.Do(req)
	healthy := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 400
	if resp != nil {
		resp.Body.Close()
	}

	if healthy {
		n.failStreak = 0
		n.successStreak++
		if !n.active.Load() && n.successStreak >= healthyAfter {
			n.active.Store(true)
			log.Infof("upstream %s is healthy again", n.addr)
			upstreamHealthy.WithLabelValues(n.addr.Host).Set(1)
		}
		return
	}
	n.successStreak = 0
	n.failStreak++
	if n.active.Load() && n.failStreak >= unhealthyAfter {
		n.active.Store(false)
		log.Warnf("upstream %s marked unhealthy after %d failed checks", n.addr, n.failStreak)
		upstreamHealthy.WithLabelValues(n.addr.Host).Set(0)
	}
}
