// Package profile implements C2, the profile store: CRUD of profile
// records on disk, one JSON file per alias, plus the keychain handle for
// each profile's credential.
package profile

import "time"

// ReservedEnvPrefix marks env keys that are internal and excluded from
// what is forwarded to the agent process.
const ReservedEnvPrefix = "ENSEMBLE_INTERNAL_"

// HookEvent enumerates the four lifecycle event kinds a profile's hooks
// config may bind actions to.
type HookEvent string

const (
	HookPreToolUse  HookEvent = "pre_tool_use"
	HookPostToolUse HookEvent = "post_tool_use"
	HookNotification HookEvent = "notification"
	HookStop        HookEvent = "stop"
)

// HookBinding is one {matcher, actions[]} entry for a hook event.
type HookBinding struct {
	Matcher string   `json:"matcher"`
	Actions []string `json:"actions"`
}

// HooksConfig groups hook bindings by event kind.
type HooksConfig struct {
	PreToolUse   []HookBinding `json:"pre_tool_use,omitempty"`
	PostToolUse  []HookBinding `json:"post_tool_use,omitempty"`
	Notification []HookBinding `json:"notification,omitempty"`
	Stop         []HookBinding `json:"stop,omitempty"`
}

// RoutingStrategy names a sidecar proxy routing strategy.
type RoutingStrategy string

const (
	RoutingSimple      RoutingStrategy = "simple"
	RoutingWeighted    RoutingStrategy = "weighted"
	RoutingLowestCost  RoutingStrategy = "lowest-cost"
	RoutingAdaptive    RoutingStrategy = "adaptive"
	RoutingConditional RoutingStrategy = "conditional"
)

// RoutingRule is one conditional routing rule; Condition is parsed by
// internal/proxy's RoutingCondition parser.
type RoutingRule struct {
	Condition string `json:"condition"`
	Target    string `json:"target"`
	Priority  int    `json:"priority,omitempty"`
}

// RoutingConfig is the nested routing block of ProxyConfig.
type RoutingConfig struct {
	Strategy RoutingStrategy `json:"strategy"`
	Rules    []RoutingRule   `json:"rules,omitempty"`
}

// ProxyConfig is the optional per-profile sidecar proxy configuration.
type ProxyConfig struct {
	Enabled      bool              `json:"enabled"`
	Port         *int              `json:"port,omitempty"`
	Routing      RoutingConfig     `json:"routing"`
	ModelAliases map[string]string `json:"model_aliases,omitempty"`
}

// Metadata holds everything about a profile that is not user-chosen at
// create time.
type Metadata struct {
	Home              string       `json:"home"`
	CreatedAt         time.Time    `json:"created_at"`
	LastUsed          *time.Time   `json:"last_used,omitempty"`
	TotalRuns         int          `json:"total_runs"`
	EnabledHooks      []string     `json:"enabled_hooks,omitempty"`
	EnabledMCPServers []string     `json:"enabled_mcp_servers,omitempty"`
	HooksConfig       *HooksConfig `json:"hooks_config,omitempty"`
	ProxyConfig       *ProxyConfig `json:"proxy_config,omitempty"`
}

// Profile is the persisted, one-file-per-alias record described by spec
// section 3.
type Profile struct {
	Alias      string            `json:"alias"`
	AgentID    string            `json:"agent_id"`
	ProviderID string            `json:"provider_id"`
	EndpointID string            `json:"endpoint_id"`
	Model      string            `json:"model"`
	Env        map[string]string `json:"env,omitempty"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Metadata   Metadata          `json:"metadata"`
}

// FilteredEnv returns Env with reserved-prefix keys removed, per spec
// section 3's env definition.
func (p *Profile) FilteredEnv() map[string]string {
	out := make(map[string]string, len(p.Env))
	for k, v := range p.Env {
		if len(k) >= len(ReservedEnvPrefix) && k[:len(ReservedEnvPrefix)] == ReservedEnvPrefix {
			continue
		}
		out[k] = v
	}
	return out
}
