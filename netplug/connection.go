package netplug

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
)

// ConfigureServer applies the connection plugin settings to srv. It only
// tunes the listener behaviour; request semantics are untouched.
func ConfigureServer(srv *http.Server, cfg config.Connection) {
	if !cfg.Enabled {
		return
	}
	if cfg.KeepAliveTimeout > 0 {
		srv.IdleTimeout = time.Duration(cfg.KeepAliveTimeout)
	}

	h2 := &http2.Server{}
	if cfg.MaxConcurrentStreams > 0 {
		h2.MaxConcurrentStreams = cfg.MaxConcurrentStreams
	}
	if cfg.InitialWindowSize > 0 {
		h2.MaxUploadBufferPerStream = int32(cfg.InitialWindowSize)
	}
	if err := http2.ConfigureServer(srv, h2); err != nil {
		log.Errorf("cannot configure http2: %s", err)
	}
}

// LimitListener caps concurrent connections when max_connections is set.
func LimitListener(ln net.Listener, cfg config.Connection) net.Listener {
	if !cfg.Enabled || cfg.MaxConnections <= 0 {
		return ln
	}
	return &limitedListener{Listener: ln, sem: make(chan struct{}, cfg.MaxConnections)}
}

type limitedListener struct {
	net.Listener
	sem chan struct{}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: conn, release: func() { <-l.sem }}, nil
}

type limitedConn struct {
	net.Conn
	release  func()
	released bool
}

func (c *limitedConn) Close() error {
	if !c.released {
		c.released = true
		c.release()
	}
	return c.Conn.Close()
}
