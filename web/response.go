package web

import (
	"encoding/json"
	"net/http"

	"github.com/xypriss/xypriss/log"
)

// Response wraps the underlying writer. It is mutated only on the
// request-handling goroutine and becomes immutable once sent.
type Response struct {
	w http.ResponseWriter

	status       int
	sent         bool
	bytesWritten int64

	// Locals is per-request scratch shared along the chain.
	Locals map[string]interface{}
}

// NewResponse wraps an http.ResponseWriter.
func NewResponse(w http.ResponseWriter) *Response {
	return &Response{
		w:      w,
		status: http.StatusOK,
		Locals: make(map[string]interface{}),
	}
}

// Status sets the response status code. No-op after the response is sent.
func (r *Response) Status(code int) *Response {
	if !r.sent {
		r.status = code
	}
	return r
}

// StatusCode returns the effective status code.
func (r *Response) StatusCode() int {
	return r.status
}

// Header exposes the response header map.
func (r *Response) Header() http.Header {
	return r.w.Header()
}

// Set sets a response header. No-op after the response is sent.
func (r *Response) Set(key, value string) *Response {
	if !r.sent {
		r.w.Header().Set(key, value)
	}
	return r
}

// SetCookie appends a cookie record.
func (r *Response) SetCookie(c *http.Cookie) *Response {
	if !r.sent {
		http.SetCookie(r.w, c)
	}
	return r
}

// Sent reports whether headers were written.
func (r *Response) Sent() bool {
	return r.sent
}

// BytesWritten reports the body size written so far.
func (r *Response) BytesWritten() int64 {
	return r.bytesWritten
}

// Send writes the status line plus body and marks the response sent.
// Writes after the response is sent are dropped with a debug log.
func (r *Response) Send(body []byte) {
	if r.sent {
		log.Debugf("response already sent, dropping %d bytes", len(body))
		return
	}
	r.sent = true
	r.w.WriteHeader(r.status)
	if len(body) > 0 {
		n, err := r.w.Write(body)
		r.bytesWritten += int64(n)
		if err != nil {
			log.Debugf("cannot write response body: %s", err)
		}
	}
}

// SendString is Send for string bodies.
func (r *Response) SendString(body string) {
	r.Send([]byte(body))
}

// JSON serializes v and sends it with an application/json content type.
func (r *Response) JSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("cannot marshal JSON response: %s", err)
		r.Status(http.StatusInternalServerError)
		r.Set("Content-Type", "application/json")
		r.Send([]byte(`{"error":"internal server error","code":"internal"}`))
		return
	}
	r.Set("Content-Type", "application/json")
	r.Send(b)
}

// Writer exposes the wrapped http.ResponseWriter for streaming handlers.
// Callers that write directly must call MarkSent.
func (r *Response) Writer() http.ResponseWriter {
	return r.w
}

// MarkSent flips the sent flag for handlers that wrote to the raw writer.
func (r *Response) MarkSent() {
	r.sent = true
}
