// Package tunnel implements the Tunnel Manager (C10): it keeps one SSH
// port-forward subprocess alive per remote service, tracks each forward's
// PID on disk, and reports forward health. Grounded on the VM agent's
// container discovery (internal/container/discovery.go) for the
// mutex-guarded, adopt-or-start view of live subprocesses, and on its
// bootstrap package for spawning argv-based subprocesses via os/exec
// rather than a shell string.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
)

// Status describes one service's forward as reported by Manager.Status.
type Status struct {
	Service string `json:"service"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	PID     int    `json:"pid,omitempty"`
	Up      bool   `json:"up"`
	Healthy bool   `json:"healthy"`
}

// newProcess and friends are overridable in tests so Up/Down/Status can be
// exercised without a real ssh binary or live TCP ports.
type process interface {
	Start() error
	Pid() int
	Kill() error
}

type realProcess struct {
	cmd *execCmd
}

func (p *realProcess) Start() error { return p.cmd.Start() }
func (p *realProcess) Pid() int      { return p.cmd.Pid() }
func (p *realProcess) Kill() error   { return p.cmd.Kill() }

// Manager brings up and monitors SSH port-forwards for every configured
// service whose host is not local, per spec.md §4.10.
type Manager struct {
	cfg    *config.Config
	log    *slog.Logger
	health *HealthTracker

	newProcess func(svc config.Service, hostCfg config.Host) process
	probe      func(addr string, timeout time.Duration) bool

	mu        sync.Mutex
	forwards  map[string]process // keyed by service name
}

// New builds a Manager over the services and hosts named in cfg.
func New(cfg *config.Config, log *slog.Logger, health *HealthTracker) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		log:      log,
		health:   health,
		forwards: make(map[string]process),
		probe:    tcpProbe,
	}
	m.newProcess = m.newSSHForward
	return m
}

// Up starts every missing forward. A forward that fails to establish is
// logged as a warning, not returned as an error: per spec.md §4.10,
// dependent calls (TTS) simply fail with TtsUnavailable until it recovers.
func (m *Manager) Up(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.TunnelPIDDir, 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "creating tunnel pid dir", err)
	}

	for _, svc := range m.cfg.Services {
		if svc.Host == "" || svc.Host == "local" {
			continue
		}
		if err := m.upOne(svc); err != nil {
			m.log.Warn("tunnel up failed", "service", svc.Name, "host", svc.Host, "error", err)
			if m.health != nil {
				m.health.Record(svc.Host, err)
			}
		}
	}
	return nil
}

func (m *Manager) upOne(svc config.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.forwards[svc.Name]; ok && processAlive(p.Pid()) {
		return nil
	}

	if pid, ok := m.readPIDFile(svc.Name); ok && processAlive(pid) {
		m.forwards[svc.Name] = adoptedProcess{pid: pid}
		return nil
	}

	hostCfg, ok := m.cfg.Hosts[svc.Host]
	if !ok {
		return apperr.New(apperr.NotFound, fmt.Sprintf("unknown host %q for service %q", svc.Host, svc.Name))
	}

	p := m.newProcess(svc, hostCfg)
	if err := p.Start(); err != nil {
		return apperr.Wrap(apperr.HostUnreachable, fmt.Sprintf("starting forward for %q", svc.Name), err)
	}

	if err := m.writePIDFile(svc.Name, p.Pid()); err != nil {
		m.log.Warn("writing tunnel pid file failed", "service", svc.Name, "error", err)
	}
	m.forwards[svc.Name] = p
	m.log.Info("tunnel up", "service", svc.Name, "host", svc.Host, "port", svc.Port, "pid", p.Pid())
	return nil
}

// Down kills every tracked forward and removes its PID file.
func (m *Manager) Down(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, p := range m.forwards {
		if err := p.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.removePIDFile(name)
		delete(m.forwards, name)
	}
	return firstErr
}

// Status probes every configured remote service: whether its tracked PID is
// alive and whether the forwarded local port answers.
func (m *Manager) Status(ctx context.Context) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.cfg.Services))
	for _, svc := range m.cfg.Services {
		if svc.Host == "" || svc.Host == "local" {
			continue
		}
		st := Status{Service: svc.Name, Host: svc.Host, Port: svc.Port}
		if p, ok := m.forwards[svc.Name]; ok {
			st.PID = p.Pid()
			st.Up = processAlive(st.PID)
		} else if pid, ok := m.readPIDFile(svc.Name); ok {
			st.PID = pid
			st.Up = processAlive(pid)
		}
		if st.Up {
			st.Healthy = m.probe(net.JoinHostPort("127.0.0.1", strconv.Itoa(svc.Port)), 2*time.Second)
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (m *Manager) pidFilePath(service string) string {
	return filepath.Join(m.cfg.TunnelPIDDir, service+".pid")
}

func (m *Manager) writePIDFile(service string, pid int) error {
	return os.WriteFile(m.pidFilePath(service), []byte(strconv.Itoa(pid)), 0o644)
}

func (m *Manager) readPIDFile(service string) (int, bool) {
	data, err := os.ReadFile(m.pidFilePath(service))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (m *Manager) removePIDFile(service string) {
	_ = os.Remove(m.pidFilePath(service))
}

// processAlive reports whether pid names a live process, by sending it the
// null signal (no-op, existence check only).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func tcpProbe(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// adoptedProcess wraps a PID discovered on disk from a prior run (e.g.
// after a portal restart); the portal did not start it, so Kill still signals
// it but Start is never called again.
type adoptedProcess struct {
	pid int
}

func (a adoptedProcess) Start() error { return nil }
func (a adoptedProcess) Pid() int     { return a.pid }
func (a adoptedProcess) Kill() error {
	proc, err := os.FindProcess(a.pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
