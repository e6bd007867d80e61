package router

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ensemble-dev/ensemble/internal/apierr"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/detector"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
	"github.com/ensemble-dev/ensemble/internal/execengine"
	"github.com/ensemble-dev/ensemble/internal/keychain"
	"github.com/ensemble-dev/ensemble/internal/manifest"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/pricing"
	"github.com/ensemble-dev/ensemble/internal/profile"
	"github.com/ensemble-dev/ensemble/internal/proxy"
	"github.com/ensemble-dev/ensemble/internal/ptyfabric"
	"github.com/ensemble-dev/ensemble/internal/rpc"
	"github.com/ensemble-dev/ensemble/internal/scriptengine"
	"github.com/ensemble-dev/ensemble/internal/telemetry"
)

type memKeychain struct{ m map[string]string }

func newMemKeychain() keychain.Store { return &memKeychain{m: map[string]string{}} }

func (k *memKeychain) Set(handle, secret string) error { k.m[handle] = secret; return nil }
func (k *memKeychain) Get(handle string) (string, error) {
	v, ok := k.m[handle]
	if !ok {
		return "", keychain.ErrNotFound
	}
	return v, nil
}
func (k *memKeychain) Remove(handle string) error { delete(k.m, handle); return nil }

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	layout := paths.NewLayout(paths.Dirs{Config: dir, Cache: dir, Data: dir})
	require.NoError(t, layout.EnsureDirs())

	manifests, err := manifest.Load(layout.AgentsDir, layout.ProvidersDir, log)
	require.NoError(t, err)

	profiles, err := profile.NewStore(layout.ProfilesDir, newMemKeychain(), log)
	require.NoError(t, err)

	det := detector.New(filepath.Join(dir, "detector-cache.json"), log)
	scripts := scriptengine.NewLoader(layout.ScriptsDir)
	sessions := telemetry.NewRecorder(layout.SessionsFile, layout.AggregatesFile, log)
	exec := execengine.New(profiles, manifests, scripts, sessions, log)

	bus := eventbus.NewBus(log)
	sup := proxy.NewSupervisor("ensemble-router-does-not-exist", bus, log)

	r := New(log)
	r.Manifests = manifests
	r.Detector = det
	r.Profiles = profiles
	r.Exec = exec
	r.Telemetry = sessions
	r.Proxy = sup
	r.PTY = ptyfabric.NewManager(log)
	r.Bus = bus
	r.Layout = layout
	r.Pricing = pricing.NewLoader(layout.PricingFile)
	return r
}

func TestAgentsListIncludesDetection(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeAgentsList})
	require.True(t, resp.Success)
	agents, ok := resp.Data.([]agentView)
	require.True(t, ok)
	require.NotEmpty(t, agents)
}

func TestAgentsInspectUnknown(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeAgentsInspect, AgentID: "nonexistent"})
	require.False(t, resp.Success)
	require.Equal(t, 1001, resp.Error.Code)
}

func TestProfilesCreateDefaultsModelAndRejectsDuplicate(t *testing.T) {
	r := newTestRouter(t)
	req := rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude",
		ProviderID: "anthropic", EndpointID: "default", APIKey: "sk-test",
	}
	resp := r.Dispatch(context.Background(), req)
	require.True(t, resp.Success)
	p, ok := resp.Data.(*profile.Profile)
	require.True(t, ok)
	require.Equal(t, "claude-sonnet-4-5", p.Model)

	resp = r.Dispatch(context.Background(), req)
	require.False(t, resp.Success)
	require.Equal(t, 1004, resp.Error.Code)
}

func TestProfilesCreateUnknownProvider(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "nope",
	})
	require.False(t, resp.Success)
	require.Equal(t, 1002, resp.Error.Code)
}

func TestProfilesDeleteThenGetNotFound(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProfilesDelete, Alias: "work"})
	require.True(t, resp.Success)

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProfilesInspect, Alias: "work"})
	require.False(t, resp.Success)
	require.Equal(t, 1003, resp.Error.Code)
}

func TestHooksAddListRemove(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})

	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeHooksAdd, Alias: "work", HookEvent: "pre_tool_use",
		HookMatcher: "Bash", HookActions: []string{"echo hi"},
	})
	require.True(t, resp.Success)

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeHooksList, Alias: "work"})
	require.True(t, resp.Success)
	cfg := resp.Data.(*profile.HooksConfig)
	require.Len(t, cfg.PreToolUse, 1)

	resp = r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeHooksRemove, Alias: "work", HookEvent: "pre_tool_use", HookMatcher: "Bash",
	})
	require.True(t, resp.Success)

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeHooksList, Alias: "work"})
	cfg = resp.Data.(*profile.HooksConfig)
	require.Empty(t, cfg.PreToolUse)
}

func TestHooksAddInvalidEvent(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeHooksAdd, Alias: "work", HookEvent: "bogus",
	})
	require.False(t, resp.Success)
	require.Equal(t, 1006, resp.Error.Code)
}

func TestHooksAddRejectsAgentWithoutSupport(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "codex", ProviderID: "openai",
	})

	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeHooksAdd, Alias: "work", HookEvent: "pre_tool_use",
		HookMatcher: "Bash", HookActions: []string{"echo hi"},
	})
	require.False(t, resp.Success)
	require.Equal(t, apierr.CodeHooksNotSupported, resp.Error.Code)

	resp = r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeHooksImport, Alias: "work", HooksJSON: `{}`,
	})
	require.False(t, resp.Success)
	require.Equal(t, apierr.CodeHooksNotSupported, resp.Error.Code)
}

func TestStatsFillsSelfProviderCostFromPricingCache(t *testing.T) {
	r := newTestRouter(t)

	input := 0.000003
	output := 0.000015
	table := map[string]pricing.ModelPricing{
		"claude-3-5-sonnet-20241022": {InputCostPerToken: &input, OutputCostPerToken: &output},
	}
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(r.Layout.PricingFile), 0o755))
	require.NoError(t, os.WriteFile(r.Layout.PricingFile, data, 0o644))
	r.Pricing = pricing.NewLoader(r.Layout.PricingFile)

	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "self-work", AgentID: "claude",
		ProviderID: "self", Model: "claude-3-5-sonnet-20241022",
	})
	require.True(t, resp.Success)

	require.NoError(t, r.Telemetry.MergeUsage("self-work", "claude", telemetry.Tokens{Input: 1000, Output: 500}, 0))

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeStats})
	require.True(t, resp.Success)
	agg := resp.Data.(*telemetry.Aggregates)
	stats := agg.ByProfile["self-work"]
	require.NotNil(t, stats)
	require.NotNil(t, stats.CostUSD)
	require.InDelta(t, 0.0105, *stats.CostUSD, 0.0001)
}

func TestProxyRouteAddRejectsBadCondition(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProxyRouteAdd, Alias: "work", RouteCondition: "garbage", RouteTarget: "anthropic/claude",
	})
	require.False(t, resp.Success)
}

func TestProxyRouteAddListRemove(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProxyRouteAdd, Alias: "work", RouteCondition: "tokens > 1000", RouteTarget: "anthropic/claude-opus-4-1",
	})
	require.True(t, resp.Success)

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProxyRouteList, Alias: "work"})
	require.True(t, resp.Success)
	rules := resp.Data.([]profile.RoutingRule)
	require.Len(t, rules, 1)

	resp = r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProxyRouteRemove, Alias: "work", RouteCondition: "tokens > 1000", RouteTarget: "anthropic/claude-opus-4-1",
	})
	require.True(t, resp.Success)
	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProxyRouteList, Alias: "work"})
	require.Empty(t, resp.Data.([]profile.RoutingRule))
}

func TestModelAliasSetListRemove(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	resp := r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeModelAliasSet, Alias: "work", ModelAliasFrom: "fast", ModelAliasTarget: "anthropic/claude-sonnet-4-5",
	})
	require.True(t, resp.Success)

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeModelAliasList, Alias: "work"})
	aliases := resp.Data.(map[string]string)
	require.Equal(t, "anthropic/claude-sonnet-4-5", aliases["fast"])

	resp = r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeModelAliasRemove, Alias: "work", ModelAliasFrom: "fast",
	})
	require.True(t, resp.Success)
	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeModelAliasList, Alias: "work"})
	require.Empty(t, resp.Data.(map[string]string))
}

func TestProxyStartUnsupportedWhenBinaryMissing(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})
	r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProxyEnable, Alias: "work"})

	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeProxyStart, Alias: "work"})
	require.False(t, resp.Success)
	require.Equal(t, 1008, resp.Error.Code)
}

func TestAliasesInstallAndUninstall(t *testing.T) {
	r := newTestRouter(t)
	r.Dispatch(context.Background(), rpc.Request{
		Type: rpc.TypeProfilesCreate, Alias: "work", AgentID: "claude", ProviderID: "anthropic",
	})

	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeAliasesInstall, Alias: "work"})
	require.True(t, resp.Success)
	out := resp.Data.(map[string]string)
	require.FileExists(t, out["path"])

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeAliasesUninstall, Alias: "work"})
	require.True(t, resp.Success)
	require.NoFileExists(t, out["path"])
}

func TestTerminalListEmptyAndInspectUnknown(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeTerminalList})
	require.True(t, resp.Success)
	require.Empty(t, resp.Data.([]ptyfabric.Info))

	resp = r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeTerminalInspect, SessionID: "00000000-0000-0000-0000-000000000000"})
	require.False(t, resp.Success)
	require.Equal(t, apierr.CodeRouteNotFound, resp.Error.Code)
}

func TestTerminalInspectInvalidSessionID(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypeTerminalInspect, SessionID: "not-a-uuid"})
	require.False(t, resp.Success)
	require.Equal(t, apierr.CodeValidation, resp.Error.Code)
}

func TestUnknownRequestType(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: "bogus.verb"})
	require.False(t, resp.Success)
	require.Equal(t, apierr.CodeInternal, resp.Error.Code)
}

func TestPing(t *testing.T) {
	r := newTestRouter(t)
	resp := r.Dispatch(context.Background(), rpc.Request{Type: rpc.TypePing})
	require.True(t, resp.Success)
}
