// Package daemon implements C12: the long-running server process. It
// binds the IPC socket and an optional HTTP/WebSocket listener, dispatches
// every request through a router.Router, and owns the startup and
// shutdown sequences described in spec section 4.C12, grounded on the
// teacher's cmd/agentctl/main.go load-config/construct/listen/signal/
// shutdown idiom.
package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/config"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/ptyfabric"
	"github.com/ensemble-dev/ensemble/internal/registrysync"
	"github.com/ensemble-dev/ensemble/internal/router"
	"github.com/ensemble-dev/ensemble/internal/usagewatcher"
)

// Server bundles the wired Router together with the IPC/HTTP listeners
// and idle-timeout bookkeeping, per spec 4.C12.
type Server struct {
	Layout paths.Layout
	Config *config.Config
	Log    *logger.Logger

	Router   *router.Router
	Bus      eventbus.EventBus
	PTY      *ptyfabric.Manager
	Usage    *usagewatcher.Watcher
	Registry *registrysync.Syncer

	lastActivity atomic.Int64

	ipcListener net.Listener
	httpServer  *http.Server
	wg          sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Server. Call Start before Wait.
func New(layout paths.Layout, cfg *config.Config, log *logger.Logger, r *router.Router, bus eventbus.EventBus, pty *ptyfabric.Manager, usage *usagewatcher.Watcher, registry *registrysync.Syncer) *Server {
	return &Server{
		Layout:     layout,
		Config:     cfg,
		Log:        log.WithFields(zap.String("component", "daemon")),
		Router:     r,
		Bus:        bus,
		PTY:        pty,
		Usage:      usage,
		Registry:   registry,
		shutdownCh: make(chan struct{}),
	}
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().Unix())
}

// Start runs the spec 4.C12 startup sequence: ensure dirs, write the PID
// file, start the usage watcher, bind the IPC socket, spawn the HTTP/WS
// listener if configured, write the endpoint file, and start the
// idle-timeout watchdog if an idle timeout is set.
func (s *Server) Start() error {
	s.touch()

	if err := s.Layout.EnsureDirs(); err != nil {
		return err
	}
	if err := os.WriteFile(s.Layout.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return err
	}

	if s.Usage != nil {
		s.Usage.Start()
	}

	if err := s.startIPC(); err != nil {
		return err
	}

	if s.Config.Server.HTTPPort != 0 {
		if err := s.startHTTP(); err != nil {
			return err
		}
	}

	if err := os.WriteFile(s.Layout.EndpointFile, []byte(s.endpointDescriptor()), 0o644); err != nil {
		return err
	}

	if s.Config.Server.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.watchdog(s.Config.Server.IdleTimeoutDuration())
	}

	s.Log.Info("daemon started", zap.String("socket", s.Layout.SocketPath))
	return nil
}

// endpointDescriptor is the small text file the CLI reads to discover how
// to reach this daemon, per spec section 6.
func (s *Server) endpointDescriptor() string {
	out := "socket=" + s.Layout.SocketPath + "\n"
	if s.Config.Server.HTTPPort != 0 {
		out += "http=" + s.Config.Server.HTTPHost + ":" + strconv.Itoa(s.Config.Server.HTTPPort) + "\n"
	}
	return out
}

// Wait blocks until ctx is canceled (the caller's OS-signal context) or an
// IPC/HTTP client issues a terminal.shutdown-equivalent request, then runs
// the shutdown sequence.
func (s *Server) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.shutdownCh:
	}
	s.shutdown()
}

// requestShutdown triggers Wait to proceed to shutdown; safe to call more
// than once or concurrently.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// shutdown runs the spec 4.C12 shutdown sequence: stop accepting new
// connections, terminate every PTY session, stop every proxy instance,
// and remove the PID/endpoint/socket files.
func (s *Server) shutdown() {
	s.Log.Info("daemon shutting down")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.ipcListener != nil {
		_ = s.ipcListener.Close()
	}
	if s.Usage != nil {
		s.Usage.Stop()
	}
	if s.PTY != nil {
		s.PTY.TerminateAll()
	}
	if s.Router != nil && s.Router.Proxy != nil {
		s.Router.Proxy.StopAll()
	}

	s.wg.Wait()

	_ = os.Remove(s.Layout.PIDFile)
	_ = os.Remove(s.Layout.EndpointFile)
	_ = os.Remove(s.Layout.SocketPath)

	s.Log.Info("daemon stopped")
}

// watchdog checks every 10 seconds and requests daemon shutdown once the
// time since the last activity reaches idle, per spec 4.C12's idle-timeout
// shutdown behavior.
func (s *Server) watchdog(idle time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			last := time.Unix(s.lastActivity.Load(), 0)
			if time.Since(last) >= idle {
				s.Log.Info("idle timeout reached, shutting down", zap.Duration("idle", idle))
				s.requestShutdown()
				return
			}
		}
	}
}
