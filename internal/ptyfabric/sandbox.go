package ptyfabric

import (
	"os/exec"
	"runtime"
)

// SandboxOptions configures the optional platform sandbox wrapper, per
// spec 4.C10's defaults: "/" read-only, HOME read-write, working dir
// read-write, /tmp read-write, network kept, pid/ipc/uts/cgroup
// unshared, die-with-parent.
type SandboxOptions struct {
	Enabled    bool
	HomeDir    string
	WorkingDir string
}

// Wrap builds the argv for binary+args, prefixed with the platform
// sandbox tool when available and enabled. If the sandbox tool is
// missing, it returns the unwrapped argv and false, per spec 4.C10's
// "log and run unsandboxed" fallback.
func Wrap(opts SandboxOptions, binary string, args []string) (resolvedBinary string, resolvedArgs []string, sandboxed bool) {
	if !opts.Enabled {
		return binary, args, false
	}

	switch runtime.GOOS {
	case "linux":
		if path, err := exec.LookPath("bwrap"); err == nil {
			bwrapArgs := []string{
				"--ro-bind", "/", "/",
				"--bind", opts.HomeDir, opts.HomeDir,
				"--bind", opts.WorkingDir, opts.WorkingDir,
				"--bind", "/tmp", "/tmp",
				"--dev", "/dev",
				"--proc", "/proc",
				"--unshare-pid", "--unshare-ipc", "--unshare-uts", "--unshare-cgroup",
				"--die-with-parent",
				binary,
			}
			bwrapArgs = append(bwrapArgs, args...)
			return path, bwrapArgs, true
		}
	case "darwin":
		if path, err := exec.LookPath("sandbox-exec"); err == nil {
			profile := darwinSandboxProfile(opts)
			sbArgs := append([]string{"-p", profile, binary}, args...)
			return path, sbArgs, true
		}
	}

	return binary, args, false
}

// darwinSandboxProfile builds a minimal sandbox-exec profile matching the
// bwrap defaults above: allow-by-default, with file writes denied except
// under HOME, the working dir, and /tmp, network left open.
func darwinSandboxProfile(opts SandboxOptions) string {
	return "(version 1)\n" +
		"(allow default)\n" +
		"(deny file-write* (subpath \"/\"))\n" +
		"(allow file-write* (subpath \"" + opts.HomeDir + "\"))\n" +
		"(allow file-write* (subpath \"" + opts.WorkingDir + "\"))\n" +
		"(allow file-write* (subpath \"/tmp\"))\n"
}
