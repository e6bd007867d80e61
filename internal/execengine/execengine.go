// Package execengine implements C5: deterministic profile launch —
// resolve manifests, evaluate the configuration script, materialize the
// profile home, spawn the agent with a scrubbed environment, optionally
// wire a sidecar proxy, and record the session.
package execengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/manifest"
	"github.com/ensemble-dev/ensemble/internal/profile"
	"github.com/ensemble-dev/ensemble/internal/scriptengine"
	"github.com/ensemble-dev/ensemble/internal/telemetry"
)

// preservedEnvKeys are retained from the parent process's environment
// before the built environment is overlaid, per spec 4.C5 step 5.
var preservedEnvKeys = []string{"PATH", "TERM", "LANG", "LC_ALL", "USER", "SHELL"}

const apiKeyToken = "${API_KEY}"

// Engine combines C2 (profiles), the C1 manifest registry, and C4 (scripts)
// to launch an agent process, and records each run through C7. It does not
// consult C3 detection before launching.
type Engine struct {
	profiles *profile.Store
	manifests *manifest.Registry
	scripts  *scriptengine.Loader
	limits   scriptengine.Limits
	sessions *telemetry.Recorder
	log      *logger.Logger

	// commandContext is overridden in tests to avoid spawning real processes.
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates an execution engine.
func New(profiles *profile.Store, manifests *manifest.Registry, scripts *scriptengine.Loader, sessions *telemetry.Recorder, log *logger.Logger) *Engine {
	return &Engine{
		profiles:       profiles,
		manifests:      manifests,
		scripts:        scripts,
		limits:         scriptengine.DefaultLimits,
		sessions:       sessions,
		log:            log.WithFields(zap.String("component", "execengine")),
		commandContext: exec.CommandContext,
	}
}

// RunRequest is the input to Run.
type RunRequest struct {
	Alias     string
	ExtraArgs []string
	ProxyURL  string
}

// RunResult reports the outcome of a completed run.
type RunResult struct {
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

// LaunchPlan is the resolved command produced by the profile launch
// sequence (spec 4.C5 steps 1-5): which binary, with which arguments,
// environment, and working directory. Run spawns it attached to the
// parent's own stdio; interactive terminal sessions (C10) spawn the same
// plan attached to a PTY instead, so the launch-resolution logic lives
// here once rather than being duplicated per caller.
type LaunchPlan struct {
	Profile *profile.Profile
	Binary  string
	Args    []string
	Env     []string
	WorkDir string
}

// Prepare resolves a profile alias into a LaunchPlan without spawning
// anything, per spec 4.C5 steps 1-4.
func (e *Engine) Prepare(alias string, extraArgs []string, proxyURL string) (*LaunchPlan, error) {
	p, err := e.profiles.Get(alias)
	if err != nil {
		return nil, err
	}

	agent, ok := e.manifests.Agent(p.AgentID)
	if !ok {
		return nil, apierr.AgentNotFound(p.AgentID)
	}
	provider, ok := e.manifests.Provider(p.ProviderID)
	if !ok {
		return nil, apierr.ProviderNotFound(p.ProviderID)
	}

	endpointURL, ok := provider.ResolveEndpoint(p.EndpointID)
	if !ok {
		return nil, apierr.InvalidEndpoint("unknown endpoint: " + p.EndpointID)
	}

	apiKey, err := e.profiles.GetAPIKey(alias)
	if err != nil {
		return nil, err
	}

	scriptName, scriptSrc, err := e.scripts.Load(agent.Profile.Script)
	if err != nil {
		return nil, apierr.ScriptError(err)
	}

	scriptCtx := buildScriptContext(p, agent, provider, endpointURL, proxyURL)
	output, err := scriptengine.New(e.limits).Eval(scriptName, scriptSrc, scriptCtx)
	if err != nil {
		return nil, err
	}

	if err := writeFiles(p.Metadata.Home, output.Files, apiKey); err != nil {
		return nil, apierr.ExecutionFailed(err)
	}

	env, err := e.buildEnv(p, provider, output, apiKey)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, p.Args...), output.Args...)
	args = append(args, extraArgs...)

	workDir := p.WorkingDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	return &LaunchPlan{Profile: p, Binary: agent.Binary, Args: args, Env: env, WorkDir: workDir}, nil
}

// Run executes the full sequence described in spec 4.C5.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	plan, err := e.Prepare(req.Alias, req.ExtraArgs, req.ProxyURL)
	if err != nil {
		return nil, err
	}
	p := plan.Profile

	startedAt := time.Now()
	cmd := e.commandContext(ctx, plan.Binary, plan.Args...)
	cmd.Dir = plan.WorkDir
	cmd.Env = plan.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	endedAt := time.Now()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apierr.ExecutionFailed(runErr)
		}
	}

	duration := endedAt.Sub(startedAt).Seconds()
	ec := exitCode
	if err := e.sessions.RecordSession(telemetry.Session{
		Profile:      p.Alias,
		AgentID:      p.AgentID,
		ProviderID:   p.ProviderID,
		StartedAt:    startedAt,
		EndedAt:      &endedAt,
		DurationSecs: &duration,
		ExitCode:     &ec,
	}); err != nil {
		e.log.Warn("session recording failed (best-effort)", zap.Error(err))
	}

	if err := e.profiles.MarkUsed(p.Alias); err != nil {
		e.log.Warn("mark_used failed", zap.Error(err))
	}

	return &RunResult{ExitCode: exitCode, StartedAt: startedAt, EndedAt: endedAt}, nil
}

func buildScriptContext(p *profile.Profile, agent manifest.Agent, provider manifest.Provider, endpointURL, proxyURL string) scriptengine.ScriptContext {
	var hooksConfig map[string]interface{}
	if p.Metadata.HooksConfig != nil {
		hooksConfig = map[string]interface{}{} // structural shape only; values flow through scripts opaquely
	}
	return scriptengine.ScriptContext{
		Profile: scriptengine.ProfileContext{
			Alias:       p.Alias,
			Home:        p.Metadata.Home,
			Model:       p.Model,
			Endpoint:    endpointURL,
			Hooks:       p.Metadata.EnabledHooks,
			MCPServers:  p.Metadata.EnabledMCPServers,
			HooksConfig: hooksConfig,
			ProxyURL:    proxyURL,
		},
		Provider: scriptengine.ProviderContext{
			ID:         provider.ID,
			Name:       provider.Name,
			Type:       provider.Type,
			AuthEnvKey: provider.Auth.EnvKey,
		},
		Agent: scriptengine.AgentContext{
			ID:     agent.ID,
			Name:   agent.Name,
			Binary: agent.Binary,
		},
		Prefs: map[string]interface{}{},
	}
}

// writeFiles creates parent directories and writes each file under home,
// replacing the ${API_KEY} token with the real key (spec 4.C5 step 3).
// Files are independent (distinct relative paths under the profile home),
// so they're written concurrently via errgroup rather than one at a time.
func writeFiles(home string, files map[string]string, apiKey string) error {
	g := new(errgroup.Group)
	for rel, content := range files {
		rel, content := rel, content
		g.Go(func() error {
			full := filepath.Join(home, rel)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			resolved := strings.ReplaceAll(content, apiKeyToken, apiKey)
			return os.WriteFile(full, []byte(resolved), 0o644)
		})
	}
	return g.Wait()
}

// buildEnv constructs the child environment per spec 4.C5 step 4-5: start
// from profile.env minus reserved keys, set HOME, bind the provider auth
// key, merge script env (token-replaced), then scrub and restore only the
// preserved keys before overlaying the built environment.
func (e *Engine) buildEnv(p *profile.Profile, provider manifest.Provider, output *scriptengine.ScriptOutput, apiKey string) ([]string, error) {
	built := map[string]string{}
	for k, v := range p.FilteredEnv() {
		built[k] = v
	}
	built["HOME"] = p.Metadata.Home

	if provider.Auth.EnvKey != "" {
		built[provider.Auth.EnvKey] = apiKey
	}

	for k, v := range output.Env {
		built[k] = strings.ReplaceAll(v, apiKeyToken, apiKey)
	}

	scrubbed := map[string]string{}
	for _, key := range preservedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			scrubbed[key] = v
		}
	}
	for k, v := range built {
		scrubbed[k] = v
	}

	out := make([]string, 0, len(scrubbed))
	for k, v := range scrubbed {
		out = append(out, k+"="+v)
	}
	return out, nil
}
