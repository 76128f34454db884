package cluster

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
)

const (
	heartbeatGrace = 6 * time.Second

	// autoscale hysteresis windows.
	scaleUpAfter   = 10 * time.Second
	scaleDownAfter = 60 * time.Second
)

// EventType classifies supervisor events.
type EventType string

const (
	EventWorkerStarted   EventType = "worker_started"
	EventWorkerStopped   EventType = "worker_stopped"
	EventWorkerCrashed   EventType = "worker_crashed"
	EventWorkerUnhealthy EventType = "worker_unhealthy"
	EventCriticalIssue   EventType = "critical_issue"
)

// Event is delivered to the OnEvent callback.
type Event struct {
	Type     EventType
	WorkerID int
	Message  string
}

// WorkerInfo is the externally visible worker state.
type WorkerInfo struct {
	ID            int       `json:"id"`
	PID           int       `json:"pid"`
	RestartCount  int       `json:"restartCount"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Healthy       bool      `json:"healthy"`
	InFlight      int       `json:"inFlight"`
	HeapBytes     uint64    `json:"heapBytes"`
}

// Health aggregates cluster state.
type Health struct {
	Workers     int  `json:"workers"`
	Healthy     int  `json:"healthy"`
	AutoRestart bool `json:"autoRestart"`
}

type workerProc struct {
	id  int
	cmd *exec.Cmd
	in  *pipeWriter // master to worker commands
	out *os.File    // worker to master heartbeats

	restartCount  int
	startedAt     time.Time
	lastHeartbeat time.Time
	metrics       WorkerMetrics

	stopping bool
	exited   chan struct{}
}

// Supervisor spawns and supervises worker processes running the same
// binary with EnvWorkerID set. Workers share the listen address via
// SO_REUSEPORT.
type Supervisor struct {
	cfg config.ClusterConfig

	binary string
	args   []string

	mu       sync.Mutex
	workers  map[int]*workerProc
	nextID   int
	restarts []time.Time
	disabled bool // restart budget exhausted

	// OnEvent observes lifecycle events. Optional.
	OnEvent func(Event)

	// LoadSignal feeds autoscale decisions; typically the aggregate
	// in-flight request count. Optional.
	LoadSignal func() float64

	// Autoscale thresholds in LoadSignal units per worker.
	HighWater float64
	LowWater  float64

	highSince time.Time
	lowSince  time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor for the current binary.
func NewSupervisor(cfg config.ClusterConfig) (*Supervisor, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve own binary: %w", err)
	}
	return &Supervisor{
		cfg:     cfg,
		binary:  binary,
		args:    os.Args[1:],
		workers: make(map[int]*workerProc),
		nextID:  1,
		stopCh:  make(chan struct{}),
	}, nil
}

// WorkerCount resolves the configured worker count; zero means one per
// CPU.
func (s *Supervisor) WorkerCount() int {
	n := s.cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// StartCluster spawns the initial worker fleet and the supervision loops.
func (s *Supervisor) StartCluster() error {
	n := s.WorkerCount()
	log.Infof("starting cluster with %d workers", n)
	for i := 0; i < n; i++ {
		if err := s.spawn(0); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.superviseLoop()
	if s.LoadSignal != nil && s.cfg.MaxWorkers > 0 {
		s.wg.Add(1)
		go s.autoScaleLoop()
	}
	return nil
}

// StopCluster drains every worker and stops supervision.
func (s *Supervisor) StopCluster() {
	s.once.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		w.stopping = true
		procs = append(procs, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range procs {
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			s.drain(w)
		}(w)
	}
	wg.Wait()
	s.wg.Wait()
}

// ScaleUp adds count workers (default 1), bounded by maxWorkers.
func (s *Supervisor) ScaleUp(count int) error {
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		s.mu.Lock()
		if s.cfg.MaxWorkers > 0 && len(s.workers) >= s.cfg.MaxWorkers {
			s.mu.Unlock()
			return fmt.Errorf("cluster already at max workers (%d)", s.cfg.MaxWorkers)
		}
		s.mu.Unlock()
		if err := s.spawn(0); err != nil {
			return err
		}
	}
	return nil
}

// ScaleDown removes count workers (default 1) with a graceful drain,
// bounded by minWorkers.
func (s *Supervisor) ScaleDown(count int) {
	if count <= 0 {
		count = 1
	}
	min := s.cfg.MinWorkers
	if min < 1 {
		min = 1
	}
	for i := 0; i < count; i++ {
		s.mu.Lock()
		if len(s.workers) <= min {
			s.mu.Unlock()
			return
		}
		var victim *workerProc
		for _, w := range s.workers {
			if !w.stopping && (victim == nil || w.id > victim.id) {
				victim = w
			}
		}
		if victim != nil {
			victim.stopping = true
		}
		s.mu.Unlock()
		if victim == nil {
			return
		}
		s.drain(victim)
	}
}

// RestartCluster replaces workers one at a time to preserve
// availability.
func (s *Supervisor) RestartCluster() error {
	s.mu.Lock()
	ids := make([]int, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		old, ok := s.workers[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		restartCount := old.restartCount
		old.stopping = true
		s.mu.Unlock()

		if err := s.spawn(restartCount); err != nil {
			return err
		}
		s.drain(old)
	}
	return nil
}

// BroadcastToWorkers delivers msg to every worker, best-effort and
// ordered per worker.
func (s *Supervisor) BroadcastToWorkers(payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("cannot marshal broadcast: %s", err)
		return
	}
	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		procs = append(procs, w)
	}
	s.mu.Unlock()
	for _, w := range procs {
		if err := w.in.send(Message{Type: MsgBroadcast, Payload: raw}); err != nil {
			log.Errorf("cannot broadcast to worker %d: %s", w.id, err)
		}
	}
}

// SendToRandomWorker delivers msg to one uniformly chosen worker.
func (s *Supervisor) SendToRandomWorker(payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("cannot marshal message: %s", err)
		return
	}
	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		procs = append(procs, w)
	}
	s.mu.Unlock()
	if len(procs) == 0 {
		return
	}
	w := procs[rand.Intn(len(procs))]
	if err := w.in.send(Message{Type: MsgBroadcast, Payload: raw}); err != nil {
		log.Errorf("cannot send to worker %d: %s", w.id, err)
	}
}

// GetAllWorkers returns a snapshot of worker state.
func (s *Supervisor) GetAllWorkers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	now := time.Now()
	for _, w := range s.workers {
		pid := 0
		if w.cmd.Process != nil {
			pid = w.cmd.Process.Pid
		}
		out = append(out, WorkerInfo{
			ID:            w.id,
			PID:           pid,
			RestartCount:  w.restartCount,
			StartedAt:     w.startedAt,
			LastHeartbeat: w.lastHeartbeat,
			Healthy:       now.Sub(w.lastHeartbeat) <= heartbeatGrace,
			InFlight:      w.metrics.InFlight,
			HeapBytes:     w.metrics.HeapBytes,
		})
	}
	return out
}

// GetClusterMetrics aggregates per-worker heartbeat metrics.
func (s *Supervisor) GetClusterMetrics() map[string]interface{} {
	workers := s.GetAllWorkers()
	inFlight := 0
	var heap uint64
	for _, w := range workers {
		inFlight += w.InFlight
		heap += w.HeapBytes
	}
	return map[string]interface{}{
		"workers":        len(workers),
		"totalInFlight":  inFlight,
		"totalHeapBytes": heap,
		"perWorker":      workers,
	}
}

// GetClusterHealth summarizes supervision state.
func (s *Supervisor) GetClusterHealth() Health {
	workers := s.GetAllWorkers()
	healthy := 0
	for _, w := range workers {
		if w.Healthy {
			healthy++
		}
	}
	s.mu.Lock()
	disabled := s.disabled
	s.mu.Unlock()
	return Health{
		Workers:     len(workers),
		Healthy:     healthy,
		AutoRestart: !disabled,
	}
}

// spawn forks one worker. restartCount carries over across replacements.
func (s *Supervisor) spawn(restartCount int) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("cannot create worker pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return fmt.Errorf("cannot create worker pipe: %w", err)
	}

	cmd := exec.Command(s.binary, s.args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", EnvWorkerID, id))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{inR, outW}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return fmt.Errorf("cannot start worker: %w", err)
	}
	// Child owns its pipe ends now.
	inR.Close()
	outW.Close()

	w := &workerProc{
		id:            id,
		cmd:           cmd,
		in:            newPipeWriter(inW),
		out:           outR,
		restartCount:  restartCount,
		startedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		exited:        make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readWorker(w)
	go s.waitWorker(w)

	log.Infof("worker %d started (pid %d)", id, cmd.Process.Pid)
	s.emit(Event{Type: EventWorkerStarted, WorkerID: id})
	workersRunning.Inc()
	return nil
}

func (s *Supervisor) readWorker(w *workerProc) {
	defer s.wg.Done()
	// The read end stays with this goroutine; it hits EOF once the child's
	// write end closes on exit.
	defer w.out.Close()
	readMessages(w.out, func(m Message) {
		if m.Type != MsgHeartbeat {
			return
		}
		var wm WorkerMetrics
		if err := json.Unmarshal(m.Payload, &wm); err != nil {
			log.Errorf("cannot decode heartbeat from worker %d: %s", w.id, err)
			return
		}
		s.mu.Lock()
		w.lastHeartbeat = time.Now()
		w.metrics = wm
		s.mu.Unlock()
	})
}

// waitWorker reaps the process and applies the restart policy.
func (s *Supervisor) waitWorker(w *workerProc) {
	defer s.wg.Done()
	err := w.cmd.Wait()
	close(w.exited)
	w.in.Close()
	workersRunning.Dec()

	s.mu.Lock()
	delete(s.workers, w.id)
	wasStopping := w.stopping
	s.mu.Unlock()

	if wasStopping {
		log.Infof("worker %d stopped", w.id)
		s.emit(Event{Type: EventWorkerStopped, WorkerID: w.id})
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}

	log.Errorf("worker %d crashed: %v", w.id, err)
	s.emit(Event{Type: EventWorkerCrashed, WorkerID: w.id})
	workerCrashes.Inc()

	if !s.allowRestart() {
		log.Errorf("restart budget exhausted; auto-restart disabled")
		s.emit(Event{
			Type:    EventCriticalIssue,
			Message: fmt.Sprintf("worker restarts exceeded %d within %s", s.maxRestarts(), s.restartWindow()),
		})
		return
	}
	if err := s.spawn(w.restartCount + 1); err != nil {
		log.Errorf("cannot respawn worker: %s", err)
		s.emit(Event{Type: EventCriticalIssue, Message: err.Error()})
	}
}

// allowRestart enforces maxRestarts within restartWindow.
func (s *Supervisor) allowRestart() bool {
	now := time.Now()
	window := s.restartWindow()
	max := s.maxRestarts()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return false
	}
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= max {
		s.disabled = true
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}

func (s *Supervisor) maxRestarts() int {
	if s.cfg.MaxRestarts > 0 {
		return s.cfg.MaxRestarts
	}
	return 10
}

func (s *Supervisor) restartWindow() time.Duration {
	if s.cfg.RestartWindow > 0 {
		return time.Duration(s.cfg.RestartWindow)
	}
	return 10 * time.Minute
}

func (s *Supervisor) gracePeriod() time.Duration {
	if s.cfg.GracePeriod > 0 {
		return time.Duration(s.cfg.GracePeriod)
	}
	return 30 * time.Second
}

// drain orders a graceful shutdown and hard-kills on timeout.
func (s *Supervisor) drain(w *workerProc) {
	if err := w.in.send(Message{Type: MsgShutdown}); err != nil {
		log.Debugf("cannot send shutdown to worker %d: %s", w.id, err)
	}
	select {
	case <-w.exited:
		return
	case <-time.After(s.gracePeriod()):
	}
	log.Warnf("worker %d did not drain within %s; killing", w.id, s.gracePeriod())
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	<-w.exited
}

// superviseLoop watches heartbeats and restarts silent workers.
func (s *Supervisor) superviseLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatInterval)
	if interval <= 0 {
		interval = heartbeatInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.checkHeartbeats()
		}
	}
}

func (s *Supervisor) checkHeartbeats() {
	now := time.Now()
	s.mu.Lock()
	var silent []*workerProc
	for _, w := range s.workers {
		if !w.stopping && now.Sub(w.lastHeartbeat) > heartbeatGrace {
			w.stopping = true
			silent = append(silent, w)
		}
	}
	s.mu.Unlock()

	for _, w := range silent {
		log.Warnf("worker %d missed heartbeats; restarting", w.id)
		s.emit(Event{Type: EventWorkerUnhealthy, WorkerID: w.id})
		restartCount := w.restartCount
		go func(w *workerProc, restartCount int) {
			if w.cmd.Process != nil {
				w.cmd.Process.Kill()
			}
			<-w.exited
			if !s.allowRestart() {
				s.emit(Event{
					Type:    EventCriticalIssue,
					Message: fmt.Sprintf("worker restarts exceeded %d within %s", s.maxRestarts(), s.restartWindow()),
				})
				return
			}
			if err := s.spawn(restartCount + 1); err != nil {
				log.Errorf("cannot respawn worker: %s", err)
			}
		}(w, restartCount)
	}
}

// autoScaleLoop applies hysteresis to the load signal.
func (s *Supervisor) autoScaleLoop() {
	defer s.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.autoScaleStep(time.Now())
		}
	}
}

func (s *Supervisor) autoScaleStep(now time.Time) {
	load := s.LoadSignal()
	s.mu.Lock()
	workers := len(s.workers)
	s.mu.Unlock()
	if workers == 0 {
		return
	}
	perWorker := load / float64(workers)

	if s.HighWater > 0 && perWorker > s.HighWater {
		s.lowSince = time.Time{}
		if s.highSince.IsZero() {
			s.highSince = now
		} else if now.Sub(s.highSince) >= scaleUpAfter {
			s.highSince = time.Time{}
			log.Infof("sustained high load (%.1f per worker); scaling up", perWorker)
			if err := s.ScaleUp(1); err != nil {
				log.Debugf("autoscale up: %s", err)
			}
		}
		return
	}
	if s.LowWater > 0 && perWorker < s.LowWater {
		s.highSince = time.Time{}
		if s.lowSince.IsZero() {
			s.lowSince = now
		} else if now.Sub(s.lowSince) >= scaleDownAfter {
			s.lowSince = time.Time{}
			log.Infof("sustained low load (%.1f per worker); scaling down", perWorker)
			s.ScaleDown(1)
		}
		return
	}
	s.highSince = time.Time{}
	s.lowSince = time.Time{}
}

func (s *Supervisor) emit(ev Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}
