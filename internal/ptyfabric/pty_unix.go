//go:build !windows

package ptyfabric

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixHandle adapts creack/pty's *os.File master end to the ptyHandle
// interface session.go drives.
type unixHandle struct {
	master *os.File
}

func (h *unixHandle) Read(p []byte) (int, error)  { return h.master.Read(p) }
func (h *unixHandle) Write(p []byte) (int, error) { return h.master.Write(p) }
func (h *unixHandle) Close() error                { return h.master.Close() }
func (h *unixHandle) Resize(cols, rows int) error {
	return pty.Setsize(h.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// startPTY spawns binary under a real pseudo-terminal via creack/pty and
// returns the handle plus the process's pid, a terminate func (SIGTERM),
// and a blocking wait func returning the exit code.
func startPTY(binary string, args []string, workDir string, env []string, size Size) (ptyHandle, int, func(), func() int, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = workDir
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(size.Rows), Cols: uint16(size.Cols)})
	if err != nil {
		return nil, 0, nil, nil, err
	}

	terminate := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	wait := func() int {
		err := cmd.Wait()
		if err == nil {
			return 0
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		return -1
	}

	return &unixHandle{master: master}, cmd.Process.Pid, terminate, wait, nil
}
