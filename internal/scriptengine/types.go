package scriptengine

// ScriptContext is the input record handed to every script invocation, per
// spec 4.C4.
type ScriptContext struct {
	Profile  ProfileContext  `json:"profile"`
	Provider ProviderContext `json:"provider"`
	Agent    AgentContext    `json:"agent"`
	Prefs    map[string]interface{} `json:"prefs"`
}

// ProfileContext is the profile-shaped slice of ScriptContext.
type ProfileContext struct {
	Alias       string                 `json:"alias"`
	Home        string                 `json:"home"`
	Model       string                 `json:"model"`
	Endpoint    string                 `json:"endpoint"`
	Hooks       []string               `json:"hooks"`
	MCPServers  []string               `json:"mcp_servers"`
	HooksConfig map[string]interface{} `json:"hooks_config,omitempty"`
	ProxyURL    string                 `json:"proxy_url,omitempty"`
}

// ProviderContext is the provider-shaped slice of ScriptContext.
type ProviderContext struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	AuthEnvKey string `json:"auth_env_key"`
}

// AgentContext is the agent-shaped slice of ScriptContext.
type AgentContext struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Binary string `json:"binary"`
}

// ScriptOutput is the recognized-keys object a script produces, per the
// table in spec 4.C4.
type ScriptOutput struct {
	Files      map[string]string      `json:"files,omitempty"`
	Env        map[string]string      `json:"env,omitempty"`
	Args       []string               `json:"args,omitempty"`
	Hooks      interface{}            `json:"hooks,omitempty"`
	MCPServers interface{}            `json:"mcp_servers,omitempty"`
}

// Limits bounds the resources a single script evaluation may consume.
type Limits struct {
	MaxOperations uint64
	MaxStringSize int
	MaxContainerSize int
	MaxCallDepth  int
}

// DefaultLimits matches the conservative caps named in spec 4.C4/8.
var DefaultLimits = Limits{
	MaxOperations:    2_000_000,
	MaxStringSize:    1 << 20, // 1 MiB
	MaxContainerSize: 10_000,
	MaxCallDepth:     64,
}
