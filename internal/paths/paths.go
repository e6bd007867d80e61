// Package paths resolves the platform-appropriate directories the daemon
// and CLI use for configuration, cache, and data, plus every file the rest
// of the system derives from them.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appName = "ensemble"

// Dirs holds the three base directories the rest of the on-disk layout is
// derived from.
type Dirs struct {
	Config string
	Cache  string
	Data   string
}

// Default resolves the platform-appropriate base directories, honoring
// ENSEMBLE_CONFIG_DIR/ENSEMBLE_DATA_DIR/ENSEMBLE_STATE_DIR overrides the
// same way the teacher's DockerConfig honors DOCKER_HOST.
func Default() (Dirs, error) {
	d := Dirs{}

	if v := os.Getenv("ENSEMBLE_CONFIG_DIR"); v != "" {
		d.Config = v
	} else {
		c, err := userConfigHome()
		if err != nil {
			return Dirs{}, err
		}
		d.Config = filepath.Join(c, appName)
	}

	if v := os.Getenv("ENSEMBLE_DATA_DIR"); v != "" {
		d.Data = v
	} else {
		d.Data = d.Config
	}

	if v := os.Getenv("ENSEMBLE_STATE_DIR"); v != "" {
		d.Cache = v
	} else {
		c, err := userCacheHome()
		if err != nil {
			return Dirs{}, err
		}
		d.Cache = filepath.Join(c, appName)
	}

	return d, nil
}

func userConfigHome() (string, error) {
	if runtime.GOOS == "windows" {
		if v := os.Getenv("APPDATA"); v != "" {
			return v, nil
		}
	}
	return os.UserConfigDir()
}

func userCacheHome() (string, error) {
	return os.UserCacheDir()
}

// Layout derives every on-disk location the components use from Dirs, per
// the layout table in the external interfaces section of the spec.
type Layout struct {
	Dirs

	ConfigFile      string
	AgentsDir       string
	ProvidersDir    string
	ScriptsDir      string
	ProfilesDir     string
	RegistryLock    string
	RegistryCommits string
	PricingFile     string
	SessionsFile    string
	AggregatesFile  string
	LogFile         string
	PIDFile         string
	EndpointFile    string
	SocketPath      string
}

// NewLayout builds a Layout from Dirs.
func NewLayout(d Dirs) Layout {
	telemetry := filepath.Join(d.Data, "telemetry")
	registry := filepath.Join(d.Data, "registry")
	return Layout{
		Dirs:            d,
		ConfigFile:      filepath.Join(d.Config, "config.toml"),
		AgentsDir:       filepath.Join(d.Config, "agents.d"),
		ProvidersDir:    filepath.Join(d.Config, "providers.d"),
		ScriptsDir:      filepath.Join(d.Config, "scripts"),
		ProfilesDir:     filepath.Join(d.Data, "profiles"),
		RegistryLock:    filepath.Join(registry, "registry.lock"),
		RegistryCommits: filepath.Join(registry, "commits"),
		PricingFile:     filepath.Join(registry, "litellm-pricing.json"),
		SessionsFile:    filepath.Join(telemetry, "sessions.jsonl"),
		AggregatesFile:  filepath.Join(telemetry, "aggregates.json"),
		LogFile:         filepath.Join(d.Cache, "logs", appName+".log"),
		PIDFile:         filepath.Join(d.Cache, appName+".pid"),
		EndpointFile:    filepath.Join(d.Cache, appName+"-endpoint"),
		SocketPath:      socketPath(d.Cache),
	}
}

func socketPath(cacheDir string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + appName
	}
	return filepath.Join(cacheDir, appName+".sock")
}

// EnsureDirs creates every directory the layout names (not the files).
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Config, l.Cache, l.Data,
		l.AgentsDir, l.ProvidersDir, l.ScriptsDir, l.ProfilesDir,
		l.RegistryCommits, filepath.Dir(l.SessionsFile), filepath.Dir(l.LogFile),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Expand applies leading-~ expansion and template token substitution for
// {alias} and {agent-id}.
func Expand(template, alias, agentID string) (string, error) {
	s := template
	s = strings.ReplaceAll(s, "{alias}", alias)
	s = strings.ReplaceAll(s, "{agent-id}", agentID)

	if strings.HasPrefix(s, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		s = filepath.Join(home, strings.TrimPrefix(s, "~"))
	}

	if !filepath.IsAbs(s) {
		return "", &NotAbsoluteError{Path: s}
	}
	return filepath.Clean(s), nil
}

// NotAbsoluteError reports a template that expanded to a relative path,
// violating the metadata.home invariant.
type NotAbsoluteError struct {
	Path string
}

func (e *NotAbsoluteError) Error() string {
	return "expanded path is not absolute: " + e.Path
}

// ProfileHome returns the default home template for a profile when the
// agent manifest does not declare one of its own.
func ProfileHome(configDir, alias string) string {
	return filepath.Join(configDir, "homes", alias)
}
