package proxy

import (
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultBinaryName is the sidecar router binary this supervisor looks
// for, per SPEC_FULL.md's C6 additions.
const DefaultBinaryName = "ensemble-router"

// devCandidates are common local-dev locations checked before falling
// back to PATH, generalized from the teacher's Docker-binary-discovery
// helper in internal/agent/docker to a fixed candidate list derived from
// the binary name.
func devCandidates(binaryName string) []string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(".", binaryName),
		filepath.Join(".", "bin", binaryName),
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", binaryName),
			filepath.Join(home, "go", "bin", binaryName),
		)
	}
	candidates = append(candidates,
		filepath.Join("/usr", "local", "bin", binaryName),
	)
	return candidates
}

// Discover returns the path to the sidecar binary, checking dev locations
// then PATH, per spec 4.C6.
func Discover(binaryName string) (string, bool) {
	if binaryName == "" {
		binaryName = DefaultBinaryName
	}
	for _, c := range devCandidates(binaryName) {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, true
		}
	}
	if p, err := exec.LookPath(binaryName); err == nil {
		return p, true
	}
	return "", false
}

// IsAvailable reports whether the sidecar binary can be found, gating
// proxy-related features per spec 4.C6.
func IsAvailable(binaryName string) bool {
	_, ok := Discover(binaryName)
	return ok
}
