// Package manifest defines the static Agent and Provider manifest shapes
// and loads them from embedded defaults overlaid with user-supplied TOML
// files under agents.d/ and providers.d/.
package manifest

// Agent is the static description of an installable CLI coding agent.
type Agent struct {
	ID            string       `toml:"id"`
	Name          string       `toml:"name"`
	Binary        string       `toml:"binary"`
	VersionFlag   string       `toml:"version_flag"`
	Detect        DetectSpec   `toml:"detect"`
	Profile       ProfileSpec  `toml:"profile"`
	Models        ModelsSpec   `toml:"models"`
	SupportsHooks bool         `toml:"supports_hooks"`
	LifecycleHooks []string    `toml:"lifecycle_hooks"`
	SetupTasks     []string    `toml:"setup_tasks"`
}

// DetectSpec lists how C3 probes whether an agent is installed.
type DetectSpec struct {
	Commands [][]string `toml:"commands"`
	Files    []string   `toml:"files"`
}

// ProfileSpec describes how a profile home is constructed for this agent.
type ProfileSpec struct {
	Strategy        string   `toml:"strategy"` // always "home-wrapper"
	SourceHome      string   `toml:"source_home"`
	Script          string   `toml:"script"`
	RequiredEnv     []string `toml:"required_env"`
	OptionalEnv     []string `toml:"optional_env"`
	DefaultProvider string   `toml:"default_provider"`
}

// ModelsSpec names the default and supported models for an agent.
type ModelsSpec struct {
	Default   string   `toml:"default"`
	Supported []string `toml:"supported"`
}

// Provider is the static description of an LLM API backend.
type Provider struct {
	ID        string            `toml:"id"`
	Name      string            `toml:"name"`
	Type      string            `toml:"type"` // anthropic, anthropic-compatible, openai, openai-compatible, self
	Endpoints map[string]string `toml:"endpoints"`
	Auth      AuthSpec          `toml:"auth"`
	Models    ProviderModels    `toml:"models"`
}

// AuthSpec describes how a provider expects credentials.
type AuthSpec struct {
	EnvKey   string `toml:"env_key"`
	Prompt   string `toml:"prompt"`
	Required bool   `toml:"required"`
}

// ProviderModels names the models a provider exposes.
type ProviderModels struct {
	Available []string `toml:"available"`
	Default   string   `toml:"default"`
}

// ResolveEndpoint follows one level of indirection: endpoints["default"]
// may name another key, which is dereferenced once (per spec 4.C5 step 1).
func (p *Provider) ResolveEndpoint(name string) (string, bool) {
	if name == "" {
		name = "default"
	}
	v, ok := p.Endpoints[name]
	if !ok {
		return "", false
	}
	if inner, ok := p.Endpoints[v]; ok {
		return inner, true
	}
	return v, true
}

const ProviderSelf = "self"

// ValidModel reports whether model is supported by the provider, or true
// if the provider declares no explicit allowlist.
func (p *Provider) ValidModel(model string) bool {
	if len(p.Models.Available) == 0 {
		return true
	}
	for _, m := range p.Models.Available {
		if m == model {
			return true
		}
	}
	return false
}
