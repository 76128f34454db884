package ports

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xypriss/xypriss/internal/counter"
	"github.com/xypriss/xypriss/log"
)

// RedirectMode selects how a redirect instance answers.
type RedirectMode string

const (
	// RedirectTransparent proxies bytes bidirectionally to the target.
	RedirectTransparent RedirectMode = "transparent"

	// RedirectHTTP answers 301/302 with a rewritten Location.
	RedirectHTTP RedirectMode = "redirect"

	// RedirectMessage answers 200 with a body naming the new URL.
	RedirectMessage RedirectMode = "message"
)

// RedirectOptions configure one redirect instance.
type RedirectOptions struct {
	Mode RedirectMode

	// Permanent selects 301 over 302 in redirect mode.
	Permanent bool

	// Message is the body template for message mode. The literal
	// {target} expands to the new URL.
	Message string

	// IdleTimeout bounds silent transparent connections. Default 60s.
	IdleTimeout time.Duration

	// ForwardHeaders adds X-Forwarded-For / X-Forwarded-Proto when
	// proxying.
	ForwardHeaders bool

	// AutoDisconnectAfter stops the instance after this duration.
	AutoDisconnectAfter time.Duration

	// AutoDisconnectAfterRequests stops the instance after this many
	// requests.
	AutoDisconnectAfterRequests int

	// MaxRequests per Window rate limits the instance. Zero disables.
	MaxRequests int
	Window      time.Duration
}

// RedirectStats is the per-instance counter snapshot.
type RedirectStats struct {
	Requests   uint64        `json:"requests"`
	Successes  uint64        `json:"successes"`
	Failures   uint64        `json:"failures"`
	AvgLatency time.Duration `json:"avgLatency"`
	StartedAt  time.Time     `json:"startedAt"`
}

// Redirect forwards traffic arriving on fromPort to toPort.
type Redirect struct {
	host     string
	fromPort int
	toPort   int
	opts     RedirectOptions

	ln      net.Listener
	limiter *rate.Limiter

	requests  counter.Counter
	successes counter.Counter
	failures  counter.Counter

	mu         sync.Mutex
	totalNanos int64
	startedAt  time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// StartRedirect binds fromPort and serves until Stop or auto-disconnect.
func StartRedirect(host string, fromPort, toPort int, opts RedirectOptions) (*Redirect, error) {
	if opts.Mode == "" {
		opts.Mode = RedirectTransparent
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", fromPort)))
	if err != nil {
		return nil, fmt.Errorf("cannot bind redirect port %d: %w", fromPort, err)
	}
	r := &Redirect{
		host:      host,
		fromPort:  fromPort,
		toPort:    toPort,
		opts:      opts,
		ln:        ln,
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	if opts.MaxRequests > 0 && opts.Window > 0 {
		r.limiter = rate.NewLimiter(rate.Every(opts.Window/time.Duration(opts.MaxRequests)), opts.MaxRequests)
	}
	r.wg.Add(1)
	go r.acceptLoop()
	if opts.AutoDisconnectAfter > 0 {
		time.AfterFunc(opts.AutoDisconnectAfter, r.Stop)
	}
	log.Infof("redirecting port %d to %d in %s mode", fromPort, toPort, opts.Mode)
	return r, nil
}

// Stop closes the listener and waits for in-flight connections.
func (r *Redirect) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
		r.ln.Close()
	})
	r.wg.Wait()
}

// Stats returns a snapshot of the instance counters.
func (r *Redirect) Stats() RedirectStats {
	s := RedirectStats{
		Requests:  r.requests.Load(),
		Successes: r.successes.Load(),
		Failures:  r.failures.Load(),
		StartedAt: r.startedAt,
	}
	r.mu.Lock()
	if s.Requests > 0 {
		s.AvgLatency = time.Duration(r.totalNanos / int64(s.Requests))
	}
	r.mu.Unlock()
	return s
}

func (r *Redirect) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			log.Errorf("redirect accept on port %d: %s", r.fromPort, err)
			continue
		}
		if r.limiter != nil && !r.limiter.Allow() {
			conn.Close()
			r.failures.Inc()
			continue
		}
		n := r.requests.Inc()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(conn)
		}()
		if max := r.opts.AutoDisconnectAfterRequests; max > 0 && int(n) >= max {
			go r.Stop()
			return
		}
	}
}

func (r *Redirect) handle(conn net.Conn) {
	defer conn.Close()
	start := time.Now()
	var err error
	switch r.opts.Mode {
	case RedirectHTTP, RedirectMessage:
		err = r.handleHTTP(conn)
	default:
		err = r.proxy(conn)
	}
	r.mu.Lock()
	r.totalNanos += time.Since(start).Nanoseconds()
	r.mu.Unlock()
	if err != nil {
		r.failures.Inc()
		log.Debugf("redirect on port %d: %s", r.fromPort, err)
		return
	}
	r.successes.Inc()
}

// proxy streams bytes both ways until either side closes or the idle
// timeout fires.
func (r *Redirect) proxy(conn net.Conn) error {
	target, err := net.DialTimeout("tcp",
		net.JoinHostPort(r.host, fmt.Sprintf("%d", r.toPort)), 5*time.Second)
	if err != nil {
		// The probe invariant: either reach toPort or fail; never
		// answer from anywhere else.
		writeRawResponse(conn, http.StatusBadGateway, "upstream unavailable")
		return err
	}
	defer target.Close()

	// The client side may be wrapped in a buffered reader holding
	// pipelined bytes read past the first request.
	clientSrc := io.Reader(conn)
	if r.opts.ForwardHeaders {
		br, err := r.forwardWithHeaders(conn, target)
		if err != nil {
			return err
		}
		clientSrc = br
	}

	deadline := func(c net.Conn) { c.SetDeadline(time.Now().Add(r.opts.IdleTimeout)) }
	deadline(conn)
	deadline(target)

	errCh := make(chan error, 2)
	cp := func(dst net.Conn, src io.Reader, srcConn net.Conn) {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				deadline(srcConn)
				deadline(dst)
				if _, werr := dst.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if rerr != nil {
				errCh <- rerr
				return
			}
		}
	}
	go cp(target, clientSrc, conn)
	go cp(conn, target, target)

	err = <-errCh
	if err == io.EOF {
		return nil
	}
	return err
}

// forwardWithHeaders parses the first request, stamps the forwarding
// headers and replays it to the target. It returns the buffered reader
// so the raw copy picks up any bytes read past the request.
func (r *Redirect) forwardWithHeaders(conn, target net.Conn) (*bufio.Reader, error) {
	conn.SetReadDeadline(time.Now().Add(r.opts.IdleTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+host)
	} else {
		req.Header.Set("X-Forwarded-For", host)
	}
	req.Header.Set("X-Forwarded-Proto", "http")
	if err := req.Write(target); err != nil {
		return nil, err
	}
	return br, nil
}

func (r *Redirect) handleHTTP(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(r.opts.IdleTimeout))
	req, err := readRequest(conn)
	if err != nil {
		return err
	}
	host := req.Host
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	if host == "" {
		host = r.host
	}
	target := fmt.Sprintf("http://%s:%d%s", host, r.toPort, req.URL.RequestURI())

	if r.opts.Mode == RedirectMessage {
		body := r.opts.Message
		if body == "" {
			body = "service moved to {target}"
		}
		body = expandTarget(body, target)
		resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
			len(body), body)
		_, err = conn.Write([]byte(resp))
		return err
	}

	code := http.StatusFound
	if r.opts.Permanent {
		code = http.StatusMovedPermanently
	}
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code), target)
	_, err = conn.Write([]byte(resp))
	return err
}

func expandTarget(tpl, target string) string {
	out := make([]byte, 0, len(tpl)+len(target))
	for i := 0; i < len(tpl); {
		if i+8 <= len(tpl) && tpl[i:i+8] == "{target}" {
			out = append(out, target...)
			i += 8
			continue
		}
		out = append(out, tpl[i])
		i++
	}
	return string(out)
}

func readRequest(conn net.Conn) (*http.Request, error) {
	return http.ReadRequest(bufio.NewReader(conn))
}

func writeRawResponse(conn net.Conn, code int, body string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(body), body)
	conn.Write([]byte(resp))
}
