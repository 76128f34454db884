package cluster

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/xypriss/xypriss/log"
)

const (
	// EnvWorkerID marks a process as a cluster worker.
	EnvWorkerID = "XYPRISS_WORKER_ID"

	// Worker pipe file descriptors, set up by the supervisor via
	// ExtraFiles: fd 3 carries master to worker commands, fd 4 carries
	// worker to master heartbeats.
	workerInFD  = 3
	workerOutFD = 4

	heartbeatInterval = 2 * time.Second
)

// IsWorker reports whether this process was spawned by a supervisor.
func IsWorker() bool {
	return os.Getenv(EnvWorkerID) != ""
}

// WorkerID returns this worker's id, or 0 for the master.
func WorkerID() int {
	id, _ := strconv.Atoi(os.Getenv(EnvWorkerID))
	return id
}

// Worker is the in-process side of the supervisor link.
type Worker struct {
	id  int
	in  *os.File
	out *pipeWriter

	// InFlight reports the current request load for heartbeats.
	InFlight func() int

	// OnBroadcast handles messages relayed from the master.
	OnBroadcast func(Message)

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWorker attaches to the supervisor pipes. Call only when IsWorker().
func NewWorker() *Worker {
	return &Worker{
		id:     WorkerID(),
		in:     os.NewFile(workerInFD, "supervisor-in"),
		out:    newPipeWriter(os.NewFile(workerOutFD, "supervisor-out")),
		stopCh: make(chan struct{}),
	}
}

// Run serves the supervisor link until ctx is cancelled or the master
// orders a shutdown. The returned context is cancelled on shutdown so
// the server can drain.
func (w *Worker) Run(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				w.sendHeartbeat()
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		readMessages(w.in, func(m Message) {
			switch m.Type {
			case MsgShutdown:
				log.Infof("worker %d received shutdown", w.id)
				cancel()
			case MsgBroadcast:
				if w.OnBroadcast != nil {
					w.OnBroadcast(m)
				}
			}
		})
		// The pipe closing means the master died; drain and exit.
		log.Infof("worker %d lost supervisor pipe", w.id)
		cancel()
	}()

	return ctx
}

// Stop terminates the heartbeat loop.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *Worker) sendHeartbeat() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m := WorkerMetrics{
		PID:       os.Getpid(),
		HeapBytes: mem.HeapAlloc,
	}
	if w.InFlight != nil {
		m.InFlight = w.InFlight()
	}
	payload, err := json.Marshal(&m)
	if err != nil {
		log.Errorf("cannot marshal heartbeat: %s", err)
		return
	}
	if err := w.out.send(Message{Type: MsgHeartbeat, WorkerID: w.id, Payload: payload}); err != nil {
		log.Errorf("cannot send heartbeat: %s", err)
	}
}
