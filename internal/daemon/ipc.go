package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/rpc"
)

// ipcReadTimeout bounds how long a connection may sit idle before its
// request is read, keeping a misbehaving client from pinning an accept
// slot, per spec 4.C12's one-request-per-connection IPC model.
const ipcReadTimeout = 30 * time.Second

// startIPC removes any stale socket file left by a previous run, binds
// the Unix domain socket, and starts the accept loop, per spec 4.C12 and
// section 6's wire protocol.
func (s *Server) startIPC() error {
	_ = os.Remove(s.Layout.SocketPath)

	ln, err := net.Listen("unix", s.Layout.SocketPath)
	if err != nil {
		return err
	}
	s.ipcListener = ln

	s.wg.Add(1)
	go s.acceptIPC(ln)
	return nil
}

// acceptIPC serves one rpc.Request/Response round trip per connection
// until ln is closed during shutdown.
func (s *Server) acceptIPC(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.Warn("ipc accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleIPCConn(conn)
	}
}

func (s *Server) handleIPCConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(ipcReadTimeout))

	var req rpc.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(rpc.Fail(err))
		return
	}

	s.touch()
	resp := s.dispatch(context.Background(), req)
	_ = json.NewEncoder(conn).Encode(resp)
}

// dispatch intercepts Request::Shutdown before it reaches the router
// (which never handles it, per its own doc comment) and otherwise
// forwards to the Router.
func (s *Server) dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	if req.Type == rpc.TypeShutdown {
		s.requestShutdown()
		return rpc.OK(nil)
	}
	return s.Router.Dispatch(ctx, req)
}
