// Package netplug holds the network-layer plugins: connection tuning,
// response compression, rate limiting and upstream proxying.
package netplug

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
)

// defaultCompressTypes are compressed when the config lists none.
var defaultCompressTypes = []string{
	"text/html", "text/plain", "text/css", "text/javascript",
	"application/json", "application/javascript", "application/xml",
	"image/svg+xml",
}

// Compressor compresses eligible responses with the first configured
// algorithm the client accepts.
type Compressor struct {
	cfg          config.Compression
	algorithms   []string
	contentTypes []string
	threshold    int
}

// NewCompressor builds the compression plugin. Returns nil when disabled.
func NewCompressor(cfg config.Compression) *Compressor {
	if !cfg.Enabled {
		return nil
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{"gzip", "deflate", "br"}
	}
	cts := cfg.ContentTypes
	if len(cts) == 0 {
		cts = defaultCompressTypes
	}
	return &Compressor{
		cfg:          cfg,
		algorithms:   algs,
		contentTypes: cts,
		threshold:    int(cfg.Threshold),
	}
}

// Wrap returns a handler that buffers next's response and compresses it
// when all eligibility checks pass.
func (c *Compressor) Wrap(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		alg := c.negotiate(r.Header.Get("Accept-Encoding"))
		if alg == "" {
			next.ServeHTTP(w, r)
			return
		}
		bw := &bufferingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(bw, r)
		c.flush(w, bw, alg)
	})
}

func (c *Compressor) negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := make(map[string]bool)
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		accepted[strings.ToLower(enc)] = true
	}
	for _, alg := range c.algorithms {
		if accepted[alg] {
			return alg
		}
	}
	return ""
}

func (c *Compressor) eligible(h http.Header, size int) bool {
	if size < c.threshold {
		return false
	}
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := h.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	for _, want := range c.contentTypes {
		if ct == want {
			return true
		}
	}
	return false
}

func (c *Compressor) flush(w http.ResponseWriter, bw *bufferingWriter, alg string) {
	body := bw.buf
	if !c.eligible(w.Header(), len(body)) {
		w.WriteHeader(bw.status)
		w.Write(body)
		return
	}
	compressed, err := c.compress(body, alg)
	if err != nil {
		log.Errorf("cannot compress response: %s", err)
		w.WriteHeader(bw.status)
		w.Write(body)
		return
	}
	w.Header().Set("Content-Encoding", alg)
	w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(bw.status)
	w.Write(compressed)
}

func (c *Compressor) compress(body []byte, alg string) ([]byte, error) {
	var buf bytes.Buffer
	var zw io.WriteCloser
	var err error
	level := c.cfg.Level
	switch alg {
	case "br":
		zw = brotli.NewWriterLevel(&buf, brotliLevel(level))
	case "deflate":
		zw, err = flate.NewWriter(&buf, level)
	default:
		zw, err = gzip.NewWriterLevel(&buf, level)
	}
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// brotliLevel maps the shared 1-9 scale onto brotli's 0-11.
func brotliLevel(level int) int {
	if level <= 0 {
		return brotli.DefaultCompression
	}
	l := level + 2
	if l > brotli.BestCompression {
		l = brotli.BestCompression
	}
	return l
}

// bufferingWriter captures the response so size and type checks can run
// before bytes hit the wire.
type bufferingWriter struct {
	http.ResponseWriter
	status int
	buf    []byte
}

func (b *bufferingWriter) WriteHeader(code int) {
	b.status = code
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
