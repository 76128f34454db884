// Package ports implements port availability probing, auto-switch
// strategies, best-effort force-close and port redirection.
package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/net"
	"github.com/shirou/gopsutil/process"

	"github.com/xypriss/xypriss/config"
	"github.com/xypriss/xypriss/log"
)

// PortExhaustionError reports that no candidate port could be bound.
type PortExhaustionError struct {
	Attempted []int
}

func (e *PortExhaustionError) Error() string {
	parts := make([]string, len(e.Attempted))
	for i, p := range e.Attempted {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return fmt.Sprintf("no available port; attempted [%s]", strings.Join(parts, ", "))
}

// SwitchFunc observes a successful port switch.
type SwitchFunc func(original, actual int)

// Manager resolves a bindable port according to the auto-switch
// configuration.
type Manager struct {
	host string
	cfg  config.AutoPortSwitch

	// OnPortSwitch fires once when the bound port differs from the
	// requested one.
	OnPortSwitch SwitchFunc

	rnd *rand.Rand
}

// NewManager builds a manager for host with the given switch policy.
func NewManager(host string, cfg config.AutoPortSwitch) *Manager {
	return &Manager{
		host: host,
		cfg:  cfg,
		rnd:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Probe reports whether (host, port) is bindable right now. An
// address-in-use error means unavailable; any other error propagates.
func Probe(host string, port int) (bool, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		if isAddrInUse(err) {
			return false, nil
		}
		return false, err
	}
	ln.Close()
	return true, nil
}

// Resolve returns a bindable port, starting from the requested one and
// applying the configured strategy when it is taken. On success with a
// different port the OnPortSwitch callback fires once.
func (m *Manager) Resolve(requested int) (int, error) {
	free, err := Probe(m.host, requested)
	if err != nil {
		return 0, err
	}
	if free {
		return requested, nil
	}
	if !m.cfg.Enabled {
		return 0, &PortExhaustionError{Attempted: []int{requested}}
	}

	maxAttempts := m.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	attempted := []int{requested}
	for _, candidate := range m.candidates(requested, maxAttempts) {
		free, err := Probe(m.host, candidate)
		if err != nil {
			return 0, err
		}
		if free {
			log.Infof("port %d unavailable; switched to %d", requested, candidate)
			if m.OnPortSwitch != nil {
				m.OnPortSwitch(requested, candidate)
			}
			return candidate, nil
		}
		attempted = append(attempted, candidate)
	}
	return 0, &PortExhaustionError{Attempted: attempted}
}

func (m *Manager) candidates(requested, maxAttempts int) []int {
	var out []int
	switch m.cfg.Strategy {
	case "random":
		lo, hi := m.portRange(requested)
		for i := 0; i < maxAttempts; i++ {
			out = append(out, lo+m.rnd.Intn(hi-lo+1))
		}
	case "predefined":
		for _, p := range m.cfg.PredefinedPorts {
			if p != requested {
				out = append(out, p)
			}
		}
	default: // increment
		lo, hi := m.portRange(requested)
		p := requested
		for i := 0; i < maxAttempts; i++ {
			p++
			if p > hi {
				break
			}
			if p >= lo {
				out = append(out, p)
			}
		}
	}
	return out
}

func (m *Manager) portRange(requested int) (lo, hi int) {
	lo, hi = m.cfg.PortRange.Min, m.cfg.PortRange.Max
	if lo <= 0 {
		lo = 1024
	}
	if hi <= 0 || hi > 65535 {
		hi = 65535
	}
	if requested > hi {
		hi = 65535
	}
	return lo, hi
}

// ForceClosePort terminates the process listening on port and verifies
// with a follow-up probe. Best effort; returns whether the port became
// free.
func ForceClosePort(host string, port int) bool {
	pid, ok := pidListeningOn(port)
	if !ok {
		free, err := Probe(host, port)
		return err == nil && free
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		log.Errorf("cannot inspect process %d holding port %d: %s", pid, port, err)
		return false
	}
	name, _ := proc.Name()
	log.Warnf("terminating process %d (%s) holding port %d", pid, name, port)
	if err := proc.Terminate(); err != nil {
		log.Errorf("cannot terminate process %d: %s", pid, err)
		return false
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		free, err := Probe(host, port)
		if err == nil && free {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil {
		log.Errorf("cannot kill process %d: %s", pid, err)
		return false
	}
	time.Sleep(200 * time.Millisecond)
	free, err := Probe(host, port)
	return err == nil && free
}

func pidListeningOn(port int) (int32, bool) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		log.Errorf("cannot read connection table: %s", err)
		return 0, false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return c.Pid, true
		}
	}
	return 0, false
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
