package scriptengine

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed builtin/*.star
var builtinScripts embed.FS

// Loader resolves the source for an agent's configuration script: a user
// override file under scriptsDir takes precedence over the built-in
// script embedded for that agent, per spec 4.C4.
type Loader struct {
	scriptsDir string
}

// NewLoader creates a Loader rooted at the user's scripts override
// directory.
func NewLoader(scriptsDir string) *Loader {
	return &Loader{scriptsDir: scriptsDir}
}

// Load returns the script name and source bytes for scriptFile (e.g.
// "claude.star"), preferring a user override.
func (l *Loader) Load(scriptFile string) (string, []byte, error) {
	overridePath := filepath.Join(l.scriptsDir, scriptFile)
	if data, err := os.ReadFile(overridePath); err == nil {
		return overridePath, data, nil
	}

	builtinPath := filepath.Join("builtin", scriptFile)
	data, err := builtinScripts.ReadFile(builtinPath)
	if err != nil {
		return "", nil, fmt.Errorf("no script found for %s (checked %s and embedded builtin)", scriptFile, overridePath)
	}
	return builtinPath, data, nil
}
