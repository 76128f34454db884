package ports

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 3 * time.Second,
	}
}

func TestRedirectMode(t *testing.T) {
	from := freePort(t)
	to := freePort(t)

	r, err := StartRedirect("127.0.0.1", from, to, RedirectOptions{Mode: RedirectHTTP})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/a/b?x=1", from))
	assert.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/a/b?x=1", to), resp.Header.Get("Location"))

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(1), stats.Successes)
}

func TestRedirectPermanent(t *testing.T) {
	from := freePort(t)
	r, err := StartRedirect("127.0.0.1", from, freePort(t), RedirectOptions{
		Mode:      RedirectHTTP,
		Permanent: true,
	})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/", from))
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
}

func TestMessageMode(t *testing.T) {
	from := freePort(t)
	to := freePort(t)

	r, err := StartRedirect("127.0.0.1", from, to, RedirectOptions{
		Mode:    RedirectMessage,
		Message: "moved to {target}",
	})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/p", from))
	assert.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("moved to http://127.0.0.1:%d/p", to), string(body))
}

func TestTransparentProxy(t *testing.T) {
	backend := http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("backend says hi"))
		}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	go backend.Serve(ln)
	defer backend.Close()
	to := ln.Addr().(*net.TCPAddr).Port

	from := freePort(t)
	r, err := StartRedirect("127.0.0.1", from, to, RedirectOptions{Mode: RedirectTransparent})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/", from))
	assert.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "backend says hi", string(body))
}

func TestForwardHeadersKeepsPipelinedBytes(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var firstXFF string
	backend := http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			if len(paths) == 0 {
				firstXFF = r.Header.Get("X-Forwarded-For")
			}
			paths = append(paths, r.URL.Path)
			mu.Unlock()
			w.Write([]byte("ok"))
		}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	go backend.Serve(ln)
	defer backend.Close()
	to := ln.Addr().(*net.TCPAddr).Port

	from := freePort(t)
	r, err := StartRedirect("127.0.0.1", from, to, RedirectOptions{
		Mode:           RedirectTransparent,
		ForwardHeaders: true,
	})
	assert.NoError(t, err)
	defer r.Stop()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", from))
	assert.NoError(t, err)
	defer conn.Close()

	// Both requests arrive in one segment, so the second one sits in the
	// header parser's buffer when the raw copy takes over.
	_, err = conn.Write([]byte("GET /first HTTP/1.1\r\nHost: x\r\n\r\n" +
		"GET /second HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	assert.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	body, _ := io.ReadAll(conn)
	assert.Equal(t, 2, strings.Count(string(body), "HTTP/1.1 200"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/first", "/second"}, paths)
	assert.Equal(t, "127.0.0.1", firstXFF)
}

func TestTransparentProxyTargetDown(t *testing.T) {
	from := freePort(t)
	to := freePort(t) // nothing listens here

	r, err := StartRedirect("127.0.0.1", from, to, RedirectOptions{Mode: RedirectTransparent})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/", from))
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 500)
}

func TestAutoDisconnectAfterRequests(t *testing.T) {
	from := freePort(t)
	r, err := StartRedirect("127.0.0.1", from, freePort(t), RedirectOptions{
		Mode:                        RedirectHTTP,
		AutoDisconnectAfterRequests: 1,
	})
	assert.NoError(t, err)
	defer r.Stop()

	resp, err := noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/", from))
	assert.NoError(t, err)
	resp.Body.Close()

	// The listener shuts down after the first request.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err = noRedirectClient().Get(fmt.Sprintf("http://127.0.0.1:%d/", from))
		if err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("redirect instance still accepting after the request cap")
}
