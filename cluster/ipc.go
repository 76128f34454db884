// Package cluster implements the master/worker process supervisor with
// pipe-based IPC, heartbeat supervision and rolling restarts.
package cluster

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/xypriss/xypriss/log"
)

// Message types exchanged between master and workers.
const (
	MsgHeartbeat = "heartbeat"
	MsgBroadcast = "broadcast"
	MsgShutdown  = "shutdown"
	MsgMetrics   = "metrics"
)

// Message is one JSON line on a supervisor pipe. Delivery is best-effort
// and ordered per worker.
type Message struct {
	Type     string          `json:"type"`
	WorkerID int             `json:"workerId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
}

// WorkerMetrics is the heartbeat payload.
type WorkerMetrics struct {
	PID       int     `json:"pid"`
	InFlight  int     `json:"inFlight"`
	HeapBytes uint64  `json:"heapBytes"`
	CPUPct    float64 `json:"cpuPct,omitempty"`
}

// pipeWriter serializes messages onto one pipe end.
type pipeWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func newPipeWriter(w io.Writer) *pipeWriter {
	return &pipeWriter{w: w, enc: json.NewEncoder(w)}
}

func (p *pipeWriter) send(m Message) error {
	m.SentAt = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(&m)
}

// Close releases the underlying pipe end, if it is closable.
func (p *pipeWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readMessages decodes JSON lines from r until EOF, invoking fn for each.
// Malformed lines are logged and skipped.
func readMessages(r io.Reader, fn func(Message)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			log.Errorf("cannot decode ipc message: %s", err)
			continue
		}
		fn(m)
	}
}
