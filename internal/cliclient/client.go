// Package cliclient implements the CLI side of C14: discovering the
// daemon's IPC socket, autostarting it when unreachable, and sending a
// single rpc.Request/Response round trip, per spec 4.C14.
package cliclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/rpc"
)

// dialRetryWindow bounds how long the CLI waits for a just-spawned daemon
// to start accepting connections, per spec 4.C14.
const dialRetryWindow = 5 * time.Second

// Client dials one daemon's IPC socket.
type Client struct {
	SocketPath string
}

// Discover resolves the daemon's socket path from the endpoint file
// Layout.EndpointFile names, falling back to the platform default socket
// path when no daemon has ever written one.
func Discover(layout paths.Layout) string {
	data, err := os.ReadFile(layout.EndpointFile)
	if err != nil {
		return layout.SocketPath
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "socket="); ok {
			v = strings.TrimSpace(v)
			if v != "" {
				return v
			}
		}
	}
	return layout.SocketPath
}

// New creates a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath}
}

// Send dials the daemon (spawning it if unreachable), sends req, and
// returns its single Response, per spec 4.C14 and section 6's one
// request per connection IPC model.
func (c *Client) Send(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return rpc.Response{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return rpc.Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp rpc.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return rpc.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if conn, err := net.Dial("unix", c.SocketPath); err == nil {
		return conn, nil
	}

	if err := c.autostart(); err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s and autostart failed: %w", c.SocketPath, err)
	}

	deadline := time.Now().Add(dialRetryWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if conn, err := net.Dial("unix", c.SocketPath); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("daemon did not become reachable at %s within %s", c.SocketPath, dialRetryWindow)
}

// autostart spawns the daemon binary detached from the CLI's own stdio,
// per spec 4.C14.
func (c *Client) autostart() error {
	exe, err := daemonExecutable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin = devNull
		cmd.Stdout = devNull
		cmd.Stderr = devNull
	}
	return cmd.Start()
}

// daemonExecutable finds the ensembled binary alongside the running CLI
// binary, falling back to PATH lookup.
func daemonExecutable() (string, error) {
	name := "ensembled"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	self, err := os.Executable()
	if err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}

	return exec.LookPath(name)
}
