// Package rpc defines the wire types shared by the IPC and HTTP
// surfaces: a single externally-tagged Request, and a Response that
// mirrors the HTTP `{success, data?, error?}` envelope, per spec
// section 6.
package rpc

import "github.com/ensemble-dev/ensemble/internal/apierr"

// Request is the one wire shape every IPC message and HTTP body takes.
// Type names the requested operation ("noun.verb"); the remaining fields
// are a non-exhaustive flat set covering every variant named in spec
// section 6 — unused fields are simply omitted by the client.
type Request struct {
	Type string `json:"type"`

	Alias      string `json:"alias,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Model      string `json:"model,omitempty"`

	Env        map[string]string `json:"env,omitempty"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	ExtraArgs  []string          `json:"extra_args,omitempty"`

	HookEvent   string   `json:"hook_event,omitempty"`
	HookMatcher string   `json:"hook_matcher,omitempty"`
	HookActions []string `json:"hook_actions,omitempty"`
	HooksJSON   string   `json:"hooks_json,omitempty"`

	ProxyPort        *int              `json:"proxy_port,omitempty"`
	RoutingStrategy  string            `json:"routing_strategy,omitempty"`
	RouteCondition   string            `json:"route_condition,omitempty"`
	RouteTarget      string            `json:"route_target,omitempty"`
	RoutePriority    int               `json:"route_priority,omitempty"`
	ModelAliasFrom   string            `json:"model_alias_from,omitempty"`
	ModelAliasTarget string            `json:"model_alias_target,omitempty"`
	ModelAliases     map[string]string `json:"model_aliases,omitempty"`
	LogLines         int               `json:"log_lines,omitempty"`

	Force   bool `json:"force,omitempty"`
	Offline bool `json:"offline,omitempty"`
	Pin     string `json:"pin,omitempty"`

	Limit int `json:"limit,omitempty"`

	Topics []string `json:"topics,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// Response is the generic reply envelope every request gets back.
type Response struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *apierr.Error `json:"error,omitempty"`
}

// OK wraps data in a successful Response.
func OK(data interface{}) Response {
	return Response{Success: true, Data: data}
}

// Fail wraps err (flattened via apierr.As) in a failed Response.
func Fail(err error) Response {
	return Response{Success: false, Error: apierr.As(err)}
}

// Request type constants, one per operation named in spec section 6. The
// dotted "noun.verb" naming mirrors the CLI's `app-cli <noun> <verb>`
// surface.
const (
	TypePing = "ping"
	TypeShutdown = "shutdown"

	TypeAgentsList    = "agents.list"
	TypeAgentsInspect = "agents.inspect"

	TypeProvidersList    = "providers.list"
	TypeProvidersInspect = "providers.inspect"

	TypeProfilesCreate  = "profiles.create"
	TypeProfilesList    = "profiles.list"
	TypeProfilesInspect = "profiles.inspect"
	TypeProfilesRun     = "profiles.run"
	TypeProfilesDelete  = "profiles.delete"
	TypeProfilesEnv     = "profiles.env"

	TypeAliasesInstall   = "aliases.install"
	TypeAliasesUninstall = "aliases.uninstall"

	TypeRegistrySync    = "registry.sync"
	TypeRegistryPin     = "registry.pin"
	TypeRegistryInspect = "registry.inspect"

	TypeStats = "stats"

	TypeEnvSetup = "env.setup"

	TypeHooksAdd    = "hooks.add"
	TypeHooksList   = "hooks.list"
	TypeHooksRemove = "hooks.remove"
	TypeHooksImport = "hooks.import"
	TypeHooksExport = "hooks.export"

	TypeProxyEnable  = "proxy.enable"
	TypeProxyDisable = "proxy.disable"
	TypeProxyStart   = "proxy.start"
	TypeProxyStop    = "proxy.stop"
	TypeProxyStopAll = "proxy.stop_all"
	TypeProxyRestart = "proxy.restart"
	TypeProxyStatus  = "proxy.status"
	TypeProxyConfig  = "proxy.config"
	TypeProxyLogs    = "proxy.logs"

	TypeProxyRouteAdd    = "proxy.route.add"
	TypeProxyRouteList   = "proxy.route.list"
	TypeProxyRouteRemove = "proxy.route.remove"

	TypeModelAliasSet    = "model_alias.set"
	TypeModelAliasList   = "model_alias.list"
	TypeModelAliasRemove = "model_alias.remove"

	TypeTerminalCreate    = "terminal.create"
	TypeTerminalList      = "terminal.list"
	TypeTerminalInspect   = "terminal.inspect"
	TypeTerminalTerminate = "terminal.terminate"
)
