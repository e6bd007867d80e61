//go:build windows

package ptyfabric

import (
	"context"
	"strconv"
	"strings"

	"github.com/UserExistsError/conpty"
)

// winHandle adapts UserExistsError/conpty's *ConPty to the ptyHandle
// interface session.go drives, since Windows has no creack/pty-style
// master fd to read/write directly.
type winHandle struct {
	cp *conpty.ConPty
}

func (h *winHandle) Read(p []byte) (int, error)  { return h.cp.Read(p) }
func (h *winHandle) Write(p []byte) (int, error) { return h.cp.Write(p) }
func (h *winHandle) Close() error                { return h.cp.Close() }
func (h *winHandle) Resize(cols, rows int) error { return h.cp.Resize(cols, rows) }

// startPTY spawns binary under a ConPTY and returns the handle plus pid, a
// terminate func (closes the pseudo-console, ending the child), and a
// blocking wait func returning the exit code.
func startPTY(binary string, args []string, workDir string, env []string, size Size) (ptyHandle, int, func(), func() int, error) {
	cmdLine := quoteCommandLine(binary, args)

	cp, err := conpty.Start(
		cmdLine,
		conpty.ConPtyDimensions(size.Cols, size.Rows),
		conpty.ConPtyWorkDir(workDir),
		conpty.ConPtyEnv(env),
	)
	if err != nil {
		return nil, 0, nil, nil, err
	}

	pid, _ := cp.Pid()

	terminate := func() { _ = cp.Close() }
	wait := func() int {
		code, err := cp.Wait(context.Background())
		if err != nil {
			return -1
		}
		return int(code)
	}

	return &winHandle{cp: cp}, int(pid), terminate, wait, nil
}

// quoteCommandLine builds a CreateProcess-style command line, quoting any
// argument containing whitespace.
func quoteCommandLine(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteArg(binary))
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	if !strings.ContainsAny(a, " \t\"") {
		return a
	}
	return strconv.Quote(a)
}
