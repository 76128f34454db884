package netplug

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httputil"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
)

// Proxy balances requests over the configured upstreams with active
// health checking.
type Proxy struct {
	cfg   config.Proxy
	nodes []*upstreamNode

	rrNext atomic.Uint64

	wmu       sync.Mutex
	wCurrent  int
	wRemained int

	client *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewProxy builds the proxy plugin and starts its health check loop.
// Returns nil when disabled.
func NewProxy(cfg config.Proxy) (*Proxy, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("proxy enabled without upstreams")
	}
	p := &Proxy{
		cfg:    cfg,
		client: &http.Client{Timeout: 3 * time.Second},
		stopCh: make(chan struct{}),
	}
	for _, u := range cfg.Upstreams {
		n, err := newUpstreamNode(u.URL, u.Weight)
		if err != nil {
			return nil, err
		}
		p.nodes = append(p.nodes, n)
	}

	p.wg.Add(1)
	go p.healthLoop()
	return p, nil
}

// Stop terminates the health check loop.
func (p *Proxy) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// ServeHTTP forwards the request to a selected upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := p.pick(r)
	if n == nil {
		http.Error(w, "no healthy upstream", http.StatusBadGateway)
		return
	}
	n.connections.Inc()
	defer n.connections.Dec()

	start := time.Now()
	failed := false
	rp := httputil.NewSingleHostReverseProxy(n.addr)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		failed = true
		log.Errorf("proxy to %s failed: %s", n.addr, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode >= http.StatusInternalServerError {
			failed = true
		}
		return nil
	}
	rp.ServeHTTP(w, r)
	n.observe(time.Since(start), failed, p.cfg.CircuitBreaker)
}

// pick selects an upstream by the configured strategy, skipping inactive
// nodes.
func (p *Proxy) pick(r *http.Request) *upstreamNode {
	candidates := make([]*upstreamNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		if n.isActive() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	switch p.cfg.LoadBalancing {
	case "weighted-round-robin":
		return p.pickWeighted(candidates)
	case "ip-hash":
		h := fnv.New32a()
		h.Write([]byte(clientIP(r)))
		return candidates[h.Sum32()%uint32(len(candidates))]
	case "least-connections":
		best := candidates[0]
		for _, n := range candidates[1:] {
			if n.connections.Load() < best.connections.Load() {
				best = n
			}
		}
		return best
	case "least-response-time":
		best := candidates[0]
		for _, n := range candidates[1:] {
			if n.respTime.Load() < best.respTime.Load() {
				best = n
			}
		}
		return best
	default: // round-robin
		i := p.rrNext.Add(1) - 1
		return candidates[i%uint64(len(candidates))]
	}
}

// pickWeighted cycles nodes proportionally to their weights.
func (p *Proxy) pickWeighted(candidates []*upstreamNode) *upstreamNode {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.wCurrent >= len(candidates) {
		p.wCurrent = 0
		p.wRemained = 0
	}
	n := candidates[p.wCurrent]
	if p.wRemained <= 0 {
		p.wRemained = n.weight
	}
	p.wRemained--
	if p.wRemained <= 0 {
		p.wCurrent++
	}
	return n
}

func (p *Proxy) healthLoop() {
	defer p.wg.Done()

	path := p.cfg.HealthCheckPath
	if path == "" {
		path = defaultHealthCheckPath
	}
	interval := time.Duration(p.cfg.HealthCheckInterval)
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	unhealthyAfter := p.cfg.UnhealthyThreshold
	if unhealthyAfter <= 0 {
		unhealthyAfter = defaultUnhealthyThreshold
	}
	healthyAfter := p.cfg.HealthyThreshold
	if healthyAfter <= 0 {
		healthyAfter = defaultHealthyThreshold
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			for _, n := range p.nodes {
				n.checkHealth(context.Background(), p.client, path, unhealthyAfter, healthyAfter)
			}
		}
	}
}

// Healthy reports how many upstreams currently receive traffic.
func (p *Proxy) Healthy() int {
	count := 0
	for _, n := range p.nodes {
		if n.isActive() {
			count++
		}
	}
	return count
}
