// Package router implements C11: it pattern-matches a tagged rpc.Request
// on its Type and calls the appropriate component method(s), returning a
// tagged rpc.Response. Request.Shutdown is intercepted by the daemon
// (C12), never reaching here.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/detector"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
	"github.com/ensemble-dev/ensemble/internal/execengine"
	"github.com/ensemble-dev/ensemble/internal/manifest"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/pricing"
	"github.com/ensemble-dev/ensemble/internal/profile"
	"github.com/ensemble-dev/ensemble/internal/proxy"
	"github.com/ensemble-dev/ensemble/internal/ptyfabric"
	"github.com/ensemble-dev/ensemble/internal/registrysync"
	"github.com/ensemble-dev/ensemble/internal/rpc"
	"github.com/ensemble-dev/ensemble/internal/telemetry"

	"github.com/google/uuid"
)

// Router wires every other component into the single Dispatch entry point
// the daemon's IPC/HTTP surfaces call, per spec 4.C11.
type Router struct {
	Manifests  *manifest.Registry
	Detector   *detector.Detector
	Profiles   *profile.Store
	Exec       *execengine.Engine
	Telemetry  *telemetry.Recorder
	Proxy      *proxy.Supervisor
	PTY        *ptyfabric.Manager
	Bus        eventbus.EventBus
	Registry   *registrysync.Syncer
	Layout     paths.Layout
	Pricing    *pricing.Loader

	log *logger.Logger
}

// New creates a Router over the given components. Any field left nil on
// the returned Router must not be exercised by a Dispatch call (e.g. a
// build with no configured registry source).
func New(log *logger.Logger) *Router {
	return &Router{log: log.WithFields(zap.String("component", "router"))}
}

// Dispatch routes req to its handler. Unknown request types return a
// generic internal error, per spec 4.C11.
func (r *Router) Dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	switch req.Type {
	case rpc.TypePing:
		return rpc.OK(map[string]string{"pong": "pong"})

	case rpc.TypeAgentsList:
		return r.agentsList()
	case rpc.TypeAgentsInspect:
		return r.agentsInspect(req)

	case rpc.TypeProvidersList:
		return r.providersList()
	case rpc.TypeProvidersInspect:
		return r.providersInspect(req)

	case rpc.TypeProfilesCreate:
		return r.profilesCreate(req)
	case rpc.TypeProfilesList:
		return r.profilesList(req)
	case rpc.TypeProfilesInspect:
		return r.profilesInspect(req)
	case rpc.TypeProfilesRun:
		return r.profilesRun(ctx, req)
	case rpc.TypeProfilesDelete:
		return r.profilesDelete(req)
	case rpc.TypeProfilesEnv:
		return r.profilesEnv(req)

	case rpc.TypeAliasesInstall:
		return r.aliasesInstall(req)
	case rpc.TypeAliasesUninstall:
		return r.aliasesUninstall(req)

	case rpc.TypeRegistrySync:
		return r.registrySync(ctx, req)
	case rpc.TypeRegistryPin:
		return r.registryPin(req)
	case rpc.TypeRegistryInspect:
		return r.registryInspect()

	case rpc.TypeStats:
		return r.stats(req)

	case rpc.TypeEnvSetup:
		return r.envSetup(req)

	case rpc.TypeHooksAdd:
		return r.hooksAdd(req)
	case rpc.TypeHooksList:
		return r.hooksList(req)
	case rpc.TypeHooksRemove:
		return r.hooksRemove(req)
	case rpc.TypeHooksImport:
		return r.hooksImport(req)
	case rpc.TypeHooksExport:
		return r.hooksExport(req)

	case rpc.TypeProxyEnable:
		return r.proxyEnable(req)
	case rpc.TypeProxyDisable:
		return r.proxyDisable(req)
	case rpc.TypeProxyStart:
		return r.proxyStart(req)
	case rpc.TypeProxyStop:
		return r.proxyStop(req)
	case rpc.TypeProxyStopAll:
		return r.proxyStopAll()
	case rpc.TypeProxyRestart:
		return r.proxyRestart(req)
	case rpc.TypeProxyStatus:
		return r.proxyStatus(req)
	case rpc.TypeProxyConfig:
		return r.proxyConfigPreview(req)
	case rpc.TypeProxyLogs:
		return r.proxyLogs(req)

	case rpc.TypeProxyRouteAdd:
		return r.proxyRouteAdd(req)
	case rpc.TypeProxyRouteList:
		return r.proxyRouteList(req)
	case rpc.TypeProxyRouteRemove:
		return r.proxyRouteRemove(req)

	case rpc.TypeModelAliasSet:
		return r.modelAliasSet(req)
	case rpc.TypeModelAliasList:
		return r.modelAliasList(req)
	case rpc.TypeModelAliasRemove:
		return r.modelAliasRemove(req)

	case rpc.TypeTerminalCreate:
		return r.terminalCreate(req)
	case rpc.TypeTerminalList:
		return r.terminalList()
	case rpc.TypeTerminalInspect:
		return r.terminalInspect(req)
	case rpc.TypeTerminalTerminate:
		return r.terminalTerminate(req)

	default:
		return rpc.Fail(apierr.Newf(apierr.CodeInternal, "unknown request type: %s", req.Type))
	}
}

// --- agents / providers -----------------------------------------------

type agentView struct {
	manifest.Agent
	Detection detector.Result `json:"detection"`
}

func (r *Router) agentsList() rpc.Response {
	agents := r.Manifests.Agents()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{Agent: a, Detection: r.Detector.Detect(a)})
	}
	return rpc.OK(out)
}

func (r *Router) agentsInspect(req rpc.Request) rpc.Response {
	a, ok := r.Manifests.Agent(req.AgentID)
	if !ok {
		return rpc.Fail(apierr.AgentNotFound(req.AgentID))
	}
	return rpc.OK(agentView{Agent: a, Detection: r.Detector.Detect(a)})
}

func (r *Router) providersList() rpc.Response {
	return rpc.OK(r.Manifests.Providers())
}

func (r *Router) providersInspect(req rpc.Request) rpc.Response {
	p, ok := r.Manifests.Provider(req.ProviderID)
	if !ok {
		return rpc.Fail(apierr.ProviderNotFound(req.ProviderID))
	}
	return rpc.OK(p)
}

// --- profiles ------------------------------------------------------------

func (r *Router) resolveHome(agentID, alias string) (string, error) {
	agent, ok := r.Manifests.Agent(agentID)
	if !ok {
		return "", apierr.AgentNotFound(agentID)
	}
	template := agent.Profile.SourceHome
	if template == "" {
		return paths.ProfileHome(r.Layout.Config, alias), nil
	}
	template = strings.ReplaceAll(template, "{config}", r.Layout.Config)
	home, err := paths.Expand(template, alias, agentID)
	if err != nil {
		return "", apierr.InvalidEndpoint(err.Error())
	}
	return home, nil
}

func (r *Router) profilesCreate(req rpc.Request) rpc.Response {
	agent, ok := r.Manifests.Agent(req.AgentID)
	if !ok {
		return rpc.Fail(apierr.AgentNotFound(req.AgentID))
	}
	provider, ok := r.Manifests.Provider(req.ProviderID)
	if !ok {
		return rpc.Fail(apierr.ProviderNotFound(req.ProviderID))
	}

	model := req.Model
	if model == "" {
		model = agent.Models.Default
		if model == "" {
			model = provider.Models.Default
		}
	}
	if !provider.ValidModel(model) {
		return rpc.Fail(apierr.New(apierr.CodeModelUnsupported, "model not supported by provider: "+model))
	}

	home, err := r.resolveHome(req.AgentID, req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}

	p, err := r.Profiles.Create(profile.CreateRequest{
		Alias:      req.Alias,
		AgentID:    req.AgentID,
		ProviderID: req.ProviderID,
		EndpointID: req.EndpointID,
		Model:      model,
		Env:        req.Env,
		Args:       req.Args,
		WorkingDir: req.WorkingDir,
		APIKey:     req.APIKey,
	}, home)
	if err != nil {
		return rpc.Fail(err)
	}

	r.publish(eventbus.KindProfileLifecycle, map[string]interface{}{"alias": p.Alias, "event": "created"})
	return rpc.OK(p)
}

func (r *Router) profilesList(req rpc.Request) rpc.Response {
	list, err := r.Profiles.List(req.AgentID)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(list)
}

func (r *Router) profilesInspect(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p)
}

func (r *Router) profilesRun(ctx context.Context, req rpc.Request) rpc.Response {
	proxyURL := ""
	if inst, ok := r.Proxy.StatusOf(req.Alias); ok && inst.Status == proxy.StatusRunning {
		proxyURL = fmt.Sprintf("http://127.0.0.1:%d", inst.Port)
	}

	r.publish(eventbus.KindProfileLifecycle, map[string]interface{}{"alias": req.Alias, "event": "run_started"})
	result, err := r.Exec.Run(ctx, execengine.RunRequest{Alias: req.Alias, ExtraArgs: req.ExtraArgs, ProxyURL: proxyURL})
	if err != nil {
		return rpc.Fail(err)
	}
	r.publish(eventbus.KindProfileLifecycle, map[string]interface{}{"alias": req.Alias, "event": "run_finished", "exit_code": result.ExitCode})
	return rpc.OK(result)
}

func (r *Router) profilesDelete(req rpc.Request) rpc.Response {
	if err := r.Profiles.Delete(req.Alias); err != nil {
		return rpc.Fail(err)
	}
	r.publish(eventbus.KindProfileLifecycle, map[string]interface{}{"alias": req.Alias, "event": "deleted"})
	return rpc.OK(nil)
}

func (r *Router) profilesEnv(req rpc.Request) rpc.Response {
	env, err := r.Profiles.GetEnv(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(env)
}

// --- aliases ---------------------------------------------------------

// aliasBinDir is where CLI shims for installed profile aliases live; it is
// added to PATH by the user once, the same way a language version manager
// installs its shims.
func (r *Router) aliasBinDir() string {
	return filepath.Join(r.Layout.Data, "bin")
}

func (r *Router) aliasesInstall(req rpc.Request) rpc.Response {
	if _, err := r.Profiles.Get(req.Alias); err != nil {
		return rpc.Fail(err)
	}

	binDir := r.aliasBinDir()
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return rpc.Fail(apierr.Internal(err))
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "ensemble"
	}

	shimPath := filepath.Join(binDir, req.Alias)
	script := fmt.Sprintf("#!/bin/sh\nexec %q profiles run %q -- \"$@\"\n", exe, req.Alias)
	if runtime.GOOS == "windows" {
		shimPath += ".cmd"
		script = fmt.Sprintf("@echo off\r\n%q profiles run %q -- %%*\r\n", exe, req.Alias)
	}
	if err := os.WriteFile(shimPath, []byte(script), 0o755); err != nil {
		return rpc.Fail(apierr.Internal(err))
	}
	return rpc.OK(map[string]string{"path": shimPath})
}

func (r *Router) aliasesUninstall(req rpc.Request) rpc.Response {
	binDir := r.aliasBinDir()
	for _, name := range []string{req.Alias, req.Alias + ".cmd"} {
		_ = os.Remove(filepath.Join(binDir, name))
	}
	return rpc.OK(nil)
}

// --- registry ----------------------------------------------------------

func (r *Router) registrySync(ctx context.Context, req rpc.Request) rpc.Response {
	if r.Registry == nil {
		return rpc.Fail(apierr.New(apierr.CodeRegistryError, "registry sync not configured"))
	}
	status, err := r.Registry.Sync(ctx, req.Force, req.Offline)
	if err != nil {
		return rpc.Fail(err)
	}
	r.publish(eventbus.KindRegistrySync, status)
	return rpc.OK(status)
}

func (r *Router) registryPin(req rpc.Request) rpc.Response {
	if r.Registry == nil {
		return rpc.Fail(apierr.New(apierr.CodeRegistryError, "registry sync not configured"))
	}
	if err := r.Registry.Pin(req.Pin); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(nil)
}

func (r *Router) registryInspect() rpc.Response {
	if r.Registry == nil {
		return rpc.Fail(apierr.New(apierr.CodeRegistryError, "registry sync not configured"))
	}
	status, err := r.Registry.Inspect()
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(status)
}

// --- stats / env setup --------------------------------------------------

func (r *Router) stats(req rpc.Request) rpc.Response {
	agg, err := r.Telemetry.GetStats(req.AgentID, req.ProviderID)
	if err != nil {
		return rpc.Fail(err)
	}
	r.fillSelfProviderCost(agg)
	return rpc.OK(agg)
}

// fillSelfProviderCost back-fills DimensionStats.CostUSD for "self"
// provider profiles that recorded tokens but no cost, using the cached
// LiteLLM pricing table — grounded on original_source/crates/clownd/src/
// pricing.rs's calculate_cost, which is likewise restricted to the "self"
// provider. Best-effort: a profile with no pricing entry for its model, or
// no pricing cache at all, is left untouched rather than erroring the
// whole stats response.
func (r *Router) fillSelfProviderCost(agg *telemetry.Aggregates) {
	if r.Pricing == nil || agg == nil {
		return
	}
	for alias, stats := range agg.ByProfile {
		if stats.Tokens == nil || stats.CostUSD != nil {
			continue
		}
		p, err := r.Profiles.Get(alias)
		if err != nil || p.ProviderID != manifest.ProviderSelf {
			continue
		}
		cost := r.Pricing.CalculateCost(pricing.Tokens{
			Input:         stats.Tokens.Input,
			Output:        stats.Tokens.Output,
			CacheCreation: stats.Tokens.CacheCreation,
			CacheRead:     stats.Tokens.CacheRead,
		}, p.Model, p.ProviderID)
		if cost != nil {
			total := cost.TotalCost
			stats.CostUSD = &total
		}
	}
}

type envSetupResult struct {
	RequiredEnv []string `json:"required_env"`
	OptionalEnv []string `json:"optional_env"`
}

func (r *Router) envSetup(req rpc.Request) rpc.Response {
	agent, ok := r.Manifests.Agent(req.AgentID)
	if !ok {
		return rpc.Fail(apierr.AgentNotFound(req.AgentID))
	}
	return rpc.OK(envSetupResult{
		RequiredEnv: agent.Profile.RequiredEnv,
		OptionalEnv: agent.Profile.OptionalEnv,
	})
}

// --- hooks ---------------------------------------------------------------

func validHookEvent(event string) bool {
	switch profile.HookEvent(event) {
	case profile.HookPreToolUse, profile.HookPostToolUse, profile.HookNotification, profile.HookStop:
		return true
	default:
		return false
	}
}

func hooksBucket(cfg *profile.HooksConfig, event string) *[]profile.HookBinding {
	switch profile.HookEvent(event) {
	case profile.HookPreToolUse:
		return &cfg.PreToolUse
	case profile.HookPostToolUse:
		return &cfg.PostToolUse
	case profile.HookNotification:
		return &cfg.Notification
	case profile.HookStop:
		return &cfg.Stop
	}
	return nil
}

func (r *Router) hooksAdd(req rpc.Request) rpc.Response {
	if !validHookEvent(req.HookEvent) {
		return rpc.Fail(apierr.New(apierr.CodeHookInvalid, "invalid hook event: "+req.HookEvent))
	}
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	agent, ok := r.Manifests.Agent(p.AgentID)
	if !ok {
		return rpc.Fail(apierr.AgentNotFound(p.AgentID))
	}
	if !agent.SupportsHooks {
		return rpc.Fail(apierr.HooksNotSupported(agent.ID))
	}
	if p.Metadata.HooksConfig == nil {
		p.Metadata.HooksConfig = &profile.HooksConfig{}
	}
	bucket := hooksBucket(p.Metadata.HooksConfig, req.HookEvent)
	*bucket = append(*bucket, profile.HookBinding{Matcher: req.HookMatcher, Actions: req.HookActions})

	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.HooksConfig)
}

func (r *Router) hooksList(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.HooksConfig)
}

func (r *Router) hooksRemove(req rpc.Request) rpc.Response {
	if !validHookEvent(req.HookEvent) {
		return rpc.Fail(apierr.New(apierr.CodeHookInvalid, "invalid hook event: "+req.HookEvent))
	}
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.HooksConfig == nil {
		return rpc.OK(nil)
	}
	bucket := hooksBucket(p.Metadata.HooksConfig, req.HookEvent)
	filtered := (*bucket)[:0]
	for _, b := range *bucket {
		if b.Matcher != req.HookMatcher {
			filtered = append(filtered, b)
		}
	}
	*bucket = filtered

	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.HooksConfig)
}

func (r *Router) hooksImport(req rpc.Request) rpc.Response {
	var cfg profile.HooksConfig
	if err := json.Unmarshal([]byte(req.HooksJSON), &cfg); err != nil {
		return rpc.Fail(apierr.New(apierr.CodeHookInvalid, "invalid hooks JSON: "+err.Error()))
	}
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	agent, ok := r.Manifests.Agent(p.AgentID)
	if !ok {
		return rpc.Fail(apierr.AgentNotFound(p.AgentID))
	}
	if !agent.SupportsHooks {
		return rpc.Fail(apierr.HooksNotSupported(agent.ID))
	}
	p.Metadata.HooksConfig = &cfg
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.HooksConfig)
}

func (r *Router) hooksExport(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	data, err := json.Marshal(p.Metadata.HooksConfig)
	if err != nil {
		return rpc.Fail(apierr.Internal(err))
	}
	return rpc.OK(map[string]string{"hooks_json": string(data)})
}

// --- proxy ---------------------------------------------------------------

func (r *Router) proxyEnable(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		p.Metadata.ProxyConfig = &profile.ProxyConfig{Routing: profile.RoutingConfig{Strategy: profile.RoutingSimple}}
	}
	p.Metadata.ProxyConfig.Enabled = true
	if req.ProxyPort != nil {
		p.Metadata.ProxyConfig.Port = req.ProxyPort
	}
	if req.RoutingStrategy != "" {
		p.Metadata.ProxyConfig.Routing.Strategy = profile.RoutingStrategy(req.RoutingStrategy)
	}
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.ProxyConfig)
}

func (r *Router) proxyDisable(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig != nil {
		p.Metadata.ProxyConfig.Enabled = false
	}
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(nil)
}

func (r *Router) proxyStart(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	preferred := 0
	if req.ProxyPort != nil {
		preferred = *req.ProxyPort
	}
	inst, err := r.Proxy.Start(p, preferred)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(inst)
}

func (r *Router) proxyStop(req rpc.Request) rpc.Response {
	if err := r.Proxy.Stop(req.Alias); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(nil)
}

func (r *Router) proxyStopAll() rpc.Response {
	r.Proxy.StopAll()
	return rpc.OK(nil)
}

func (r *Router) proxyRestart(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	inst, err := r.Proxy.Restart(p)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(inst)
}

func (r *Router) proxyStatus(req rpc.Request) rpc.Response {
	inst, ok := r.Proxy.StatusOf(req.Alias)
	if !ok {
		return rpc.Fail(apierr.New(apierr.CodeProxyNotEnabled, "no proxy instance for profile: "+req.Alias))
	}
	return rpc.OK(inst)
}

func (r *Router) proxyConfigPreview(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil || !p.Metadata.ProxyConfig.Enabled {
		return rpc.Fail(apierr.New(apierr.CodeProxyNotEnabled, "proxy not enabled for profile: "+req.Alias))
	}
	port := 0
	if p.Metadata.ProxyConfig.Port != nil {
		port = *p.Metadata.ProxyConfig.Port
	}
	data, err := proxy.GenerateConfig(*p.Metadata.ProxyConfig, port)
	if err != nil {
		return rpc.Fail(apierr.Internal(err))
	}
	return rpc.OK(map[string]string{"config_yaml": string(data)})
}

func (r *Router) proxyLogs(req rpc.Request) rpc.Response {
	logs, err := r.Proxy.ReadLogs(req.Alias, req.LogLines)
	if err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(map[string]string{"logs": logs})
}

// --- proxy routes ------------------------------------------------------

func (r *Router) proxyRouteAdd(req rpc.Request) rpc.Response {
	if _, err := proxy.ParseCondition(req.RouteCondition); err != nil {
		return rpc.Fail(apierr.New(apierr.CodeValidation, err.Error()))
	}
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		p.Metadata.ProxyConfig = &profile.ProxyConfig{Routing: profile.RoutingConfig{Strategy: profile.RoutingConditional}}
	}
	p.Metadata.ProxyConfig.Routing.Rules = append(p.Metadata.ProxyConfig.Routing.Rules, profile.RoutingRule{
		Condition: req.RouteCondition,
		Target:    req.RouteTarget,
		Priority:  req.RoutePriority,
	})
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.ProxyConfig.Routing.Rules)
}

func (r *Router) proxyRouteList(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		return rpc.OK([]profile.RoutingRule{})
	}
	return rpc.OK(p.Metadata.ProxyConfig.Routing.Rules)
}

func (r *Router) proxyRouteRemove(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		return rpc.OK(nil)
	}
	rules := p.Metadata.ProxyConfig.Routing.Rules[:0]
	for _, rule := range p.Metadata.ProxyConfig.Routing.Rules {
		if rule.Condition != req.RouteCondition || rule.Target != req.RouteTarget {
			rules = append(rules, rule)
		}
	}
	p.Metadata.ProxyConfig.Routing.Rules = rules
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(rules)
}

// --- model aliases ---------------------------------------------------

func (r *Router) modelAliasSet(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		p.Metadata.ProxyConfig = &profile.ProxyConfig{Routing: profile.RoutingConfig{Strategy: profile.RoutingSimple}}
	}
	if p.Metadata.ProxyConfig.ModelAliases == nil {
		p.Metadata.ProxyConfig.ModelAliases = map[string]string{}
	}
	if len(req.ModelAliases) > 0 {
		for k, v := range req.ModelAliases {
			p.Metadata.ProxyConfig.ModelAliases[k] = v
		}
	} else if req.ModelAliasFrom != "" {
		p.Metadata.ProxyConfig.ModelAliases[req.ModelAliasFrom] = req.ModelAliasTarget
	}
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(p.Metadata.ProxyConfig.ModelAliases)
}

func (r *Router) modelAliasList(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig == nil {
		return rpc.OK(map[string]string{})
	}
	return rpc.OK(p.Metadata.ProxyConfig.ModelAliases)
}

func (r *Router) modelAliasRemove(req rpc.Request) rpc.Response {
	p, err := r.Profiles.Get(req.Alias)
	if err != nil {
		return rpc.Fail(err)
	}
	if p.Metadata.ProxyConfig != nil && p.Metadata.ProxyConfig.ModelAliases != nil {
		delete(p.Metadata.ProxyConfig.ModelAliases, req.ModelAliasFrom)
	}
	if err := r.Profiles.Update(p); err != nil {
		return rpc.Fail(err)
	}
	return rpc.OK(nil)
}

// --- terminal (interactive PTY sessions over C10) -----------------------

func envSliceToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func (r *Router) terminalCreate(req rpc.Request) rpc.Response {
	if r.PTY == nil {
		return rpc.Fail(apierr.New(apierr.CodeInternal, "terminal fabric not configured"))
	}

	proxyURL := ""
	if inst, ok := r.Proxy.StatusOf(req.Alias); ok && inst.Status == proxy.StatusRunning {
		proxyURL = fmt.Sprintf("http://127.0.0.1:%d", inst.Port)
	}
	plan, err := r.Exec.Prepare(req.Alias, req.ExtraArgs, proxyURL)
	if err != nil {
		return rpc.Fail(err)
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	session, err := r.PTY.Create(ptyfabric.CreateOptions{
		ProfileAlias: req.Alias,
		Binary:       plan.Binary,
		Args:         plan.Args,
		WorkingDir:   plan.WorkDir,
		Env:          envSliceToMap(plan.Env),
		Size:         ptyfabric.Size{Cols: cols, Rows: rows},
	})
	if err != nil {
		return rpc.Fail(err)
	}
	r.publish(eventbus.KindTerminalLifecycle, map[string]interface{}{"session_id": session.ID.String(), "alias": req.Alias, "event": "created"})
	return rpc.OK(session.Info())
}

func (r *Router) terminalList() rpc.Response {
	if r.PTY == nil {
		return rpc.OK([]ptyfabric.Info{})
	}
	return rpc.OK(r.PTY.List())
}

func (r *Router) terminalInspect(req rpc.Request) rpc.Response {
	if r.PTY == nil {
		return rpc.Fail(apierr.New(apierr.CodeRouteNotFound, "terminal session not found"))
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		return rpc.Fail(apierr.New(apierr.CodeValidation, "invalid session_id: "+err.Error()))
	}
	session, ok := r.PTY.Get(id)
	if !ok {
		return rpc.Fail(apierr.New(apierr.CodeRouteNotFound, "terminal session not found"))
	}
	return rpc.OK(session.Info())
}

func (r *Router) terminalTerminate(req rpc.Request) rpc.Response {
	if r.PTY == nil {
		return rpc.Fail(apierr.New(apierr.CodeRouteNotFound, "terminal session not found"))
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		return rpc.Fail(apierr.New(apierr.CodeValidation, "invalid session_id: "+err.Error()))
	}
	if err := r.PTY.Terminate(id); err != nil {
		return rpc.Fail(err)
	}
	r.publish(eventbus.KindTerminalLifecycle, map[string]interface{}{"session_id": req.SessionID, "event": "terminated"})
	return rpc.OK(nil)
}

func (r *Router) publish(kind string, payload interface{}) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(eventbus.New(kind, payload))
}
