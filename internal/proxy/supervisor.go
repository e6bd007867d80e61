// Package proxy implements C6: the sidecar HTTP router process
// supervisor — port allocation, config-file generation, process
// lifecycle, health checking, and log tailing, one instance per profile
// alias.
package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
	"github.com/ensemble-dev/ensemble/internal/profile"
)

// Status enumerates a proxy instance's lifecycle state, per spec section 3.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Instance is the volatile per-profile proxy process record, per spec
// section 3.
type Instance struct {
	Alias         string
	Port          int
	PID           int
	ConfigPath    string
	LogPath       string
	StartedAt     time.Time
	Status        Status
	UnhealthySince *time.Time
	FailureReason string
	RestartCount  int

	cmd *exec.Cmd
}

const (
	startupGrace   = 500 * time.Millisecond
	stopGrace      = 5 * time.Second
	healthInterval = 30 * time.Second
)

// Supervisor implements C6.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	ports     *PortAllocator
	binary    string
	bus       eventbus.EventBus
	log       *logger.Logger

	stopHealth chan struct{}
}

// NewSupervisor creates a Supervisor that discovers binaryName (defaulting
// to DefaultBinaryName) and publishes lifecycle/status events on bus.
func NewSupervisor(binaryName string, bus eventbus.EventBus, log *logger.Logger) *Supervisor {
	if binaryName == "" {
		binaryName = DefaultBinaryName
	}
	return &Supervisor{
		instances: map[string]*Instance{},
		ports:     NewPortAllocator(),
		binary:    binaryName,
		bus:       bus,
		log:       log.WithFields(zap.String("component", "proxy_supervisor")),
	}
}

// IsSupported reports whether the sidecar binary can be found on this host.
func (s *Supervisor) IsSupported() bool {
	return IsAvailable(s.binary)
}

// Start allocates a port, writes the config file, spawns the sidecar, and
// waits up to startupGrace for it to accept TCP connections, per spec
// 4.C6.
func (s *Supervisor) Start(p *profile.Profile, preferredPort int) (*Instance, error) {
	if p.Metadata.ProxyConfig == nil || !p.Metadata.ProxyConfig.Enabled {
		return nil, apierr.New(apierr.CodeProxyNotEnabled, "proxy not enabled for profile: "+p.Alias)
	}
	binaryPath, ok := Discover(s.binary)
	if !ok {
		return nil, apierr.New(apierr.CodeProxyUnsupported, "sidecar router binary not found: "+s.binary)
	}

	s.mu.Lock()
	if existing, ok := s.instances[p.Alias]; ok && existing.Status == StatusRunning {
		s.mu.Unlock()
		return nil, apierr.New(apierr.CodeProxyRunning, "proxy already running for profile: "+p.Alias)
	}
	s.mu.Unlock()

	port, err := s.ports.Allocate(p.Alias, preferredPort)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	ultrallmDir := filepath.Join(p.Metadata.Home, ".ultrallm")
	logsDir := filepath.Join(ultrallmDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		s.ports.Release(p.Alias)
		return nil, apierr.Internal(err)
	}

	configPath := filepath.Join(ultrallmDir, "config.yaml")
	logPath := filepath.Join(logsDir, "proxy.log")

	data, err := GenerateConfig(*p.Metadata.ProxyConfig, port)
	if err != nil {
		s.ports.Release(p.Alias)
		return nil, apierr.Internal(err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		s.ports.Release(p.Alias)
		return nil, apierr.Internal(err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.ports.Release(p.Alias)
		return nil, apierr.Internal(err)
	}

	cmd := exec.Command(binaryPath, "--config", configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.ports.Release(p.Alias)
		return nil, apierr.New(apierr.CodeExecutionFailed, fmt.Sprintf("proxy spawn failed: %v", err))
	}

	inst := &Instance{
		Alias:      p.Alias,
		Port:       port,
		PID:        cmd.Process.Pid,
		ConfigPath: configPath,
		LogPath:    logPath,
		StartedAt:  time.Now(),
		Status:     StatusStarting,
		cmd:        cmd,
	}

	s.mu.Lock()
	s.instances[p.Alias] = inst
	s.mu.Unlock()

	s.publish(eventbus.KindProxyLifecycle, map[string]interface{}{"alias": p.Alias, "event": "starting", "port": port})

	go s.reapOnExit(p.Alias, cmd, logFile)

	time.Sleep(startupGrace)
	s.mu.Lock()
	if s.tcpReachable(port) {
		inst.Status = StatusRunning
	} else {
		inst.Status = StatusUnhealthy
		now := time.Now()
		inst.UnhealthySince = &now
	}
	status := inst.Status
	s.mu.Unlock()

	s.publish(eventbus.KindProxyStatus, map[string]interface{}{"alias": p.Alias, "status": string(status)})

	return s.copyInstance(inst), nil
}

func (s *Supervisor) reapOnExit(alias string, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[alias]
	if !ok || inst.cmd != cmd {
		return
	}
	if inst.Status != StatusStopping {
		inst.Status = StatusFailed
		if err != nil {
			inst.FailureReason = err.Error()
		}
		s.publish(eventbus.KindProxyStatus, map[string]interface{}{"alias": alias, "status": string(StatusFailed)})
	}
}

func (s *Supervisor) tcpReachable(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop requests graceful termination, polling for up to stopGrace before
// killing. Always succeeds, even if the process is already gone, per spec
// 4.C6.
func (s *Supervisor) Stop(alias string) error {
	s.mu.Lock()
	inst, ok := s.instances[alias]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	inst.Status = StatusStopping
	cmd := inst.cmd
	s.mu.Unlock()

	s.publish(eventbus.KindProxyLifecycle, map[string]interface{}{"alias": alias, "event": "stopping"})

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	s.mu.Lock()
	inst.Status = StatusStopped
	s.mu.Unlock()
	s.ports.Release(alias)

	s.publish(eventbus.KindProxyLifecycle, map[string]interface{}{"alias": alias, "event": "stopped"})
	return nil
}

// StopAll stops every tracked instance; called on graceful daemon
// shutdown before the PTY fabric's terminate_all, per spec 4.C12.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	aliases := make([]string, 0, len(s.instances))
	for alias := range s.instances {
		aliases = append(aliases, alias)
	}
	s.mu.RUnlock()

	for _, alias := range aliases {
		_ = s.Stop(alias)
	}
}

// Restart stops then starts alias, preserving its port preference.
func (s *Supervisor) Restart(p *profile.Profile) (*Instance, error) {
	s.mu.RLock()
	preferred, _ := s.ports.Port(p.Alias)
	s.mu.RUnlock()

	if err := s.Stop(p.Alias); err != nil {
		return nil, err
	}
	return s.Start(p, preferred)
}

// StatusOf returns the current instance for alias.
func (s *Supervisor) StatusOf(alias string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[alias]
	if !ok {
		return nil, false
	}
	return s.copyInstance(inst), true
}

func (s *Supervisor) copyInstance(inst *Instance) *Instance {
	cp := *inst
	cp.cmd = nil
	return &cp
}

// ReadLogs returns the sidecar's log file contents, or its last `lines`
// lines if lines > 0.
func (s *Supervisor) ReadLogs(alias string, lines int) (string, error) {
	s.mu.RLock()
	inst, ok := s.instances[alias]
	s.mu.RUnlock()
	if !ok {
		return "", apierr.New(apierr.CodeProxyNotEnabled, "no proxy instance for profile: "+alias)
	}

	data, err := os.ReadFile(inst.LogPath)
	if err != nil {
		return "", apierr.Internal(err)
	}
	if lines <= 0 {
		return string(data), nil
	}
	return tailLines(data, lines), nil
}

func tailLines(data []byte, n int) string {
	var all []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if n >= len(all) {
		return strings.Join(all, "\n")
	}
	return strings.Join(all[len(all)-n:], "\n")
}

// StartHealthLoop runs a periodic health-check loop at healthInterval,
// mutating only Running/Unhealthy status, per spec 4.C6. Call Close to
// stop it.
func (s *Supervisor) StartHealthLoop() {
	s.mu.Lock()
	if s.stopHealth != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopHealth = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.checkHealth()
			}
		}
	}()
}

func (s *Supervisor) checkHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, inst := range s.instances {
		if inst.Status != StatusRunning && inst.Status != StatusUnhealthy {
			continue
		}
		if s.tcpReachable(inst.Port) {
			if inst.Status != StatusRunning {
				inst.Status = StatusRunning
				inst.UnhealthySince = nil
				s.publish(eventbus.KindProxyStatus, map[string]interface{}{"alias": alias, "status": string(StatusRunning)})
			}
		} else if inst.Status != StatusUnhealthy {
			inst.Status = StatusUnhealthy
			now := time.Now()
			inst.UnhealthySince = &now
			s.publish(eventbus.KindProxyStatus, map[string]interface{}{"alias": alias, "status": string(StatusUnhealthy)})
		}
	}
}

// Close stops the health loop and kills every still-tracked child
// (best-effort synchronous cleanup), per spec 4.C6's Drop behavior.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.stopHealth != nil {
		close(s.stopHealth)
		s.stopHealth = nil
	}
	cmds := make([]*exec.Cmd, 0, len(s.instances))
	for _, inst := range s.instances {
		if inst.cmd != nil && inst.Status != StatusStopped {
			cmds = append(cmds, inst.cmd)
		}
	}
	s.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

func (s *Supervisor) publish(kind string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.New(kind, payload))
}
