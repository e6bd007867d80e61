package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/common/config"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/router"
	"github.com/ensemble-dev/ensemble/internal/rpc"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	layout := paths.NewLayout(paths.Dirs{Config: dir, Cache: dir, Data: dir})

	cfg := &config.Config{}
	cfg.Server.IdleTimeout = 0 // watchdog disabled in tests

	r := router.New(logger.Default())
	s := New(layout, cfg, logger.Default(), r, nil, nil, nil, nil)
	require.NoError(t, s.Start())
	t.Cleanup(s.shutdown)
	return s
}

func TestIPCPingRoundTrip(t *testing.T) {
	s := testServer(t)

	conn, err := net.Dial("unix", s.Layout.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(rpc.Request{Type: rpc.TypePing}))

	var resp rpc.Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.True(t, resp.Success)
}

func TestIPCShutdownRequestStopsServer(t *testing.T) {
	s := testServer(t)

	conn, err := net.Dial("unix", s.Layout.SocketPath)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(rpc.Request{Type: rpc.TypeShutdown}))

	var resp rpc.Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	require.True(t, resp.Success)
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Wait(ctx) // returns as soon as the shutdown channel closes

	_, err = net.Dial("unix", s.Layout.SocketPath)
	require.Error(t, err)
}

func TestEndpointFileNamesSocketPath(t *testing.T) {
	s := testServer(t)

	data, err := os.ReadFile(s.Layout.EndpointFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "socket="+s.Layout.SocketPath)
}
