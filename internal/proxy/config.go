package proxy

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ensemble-dev/ensemble/internal/profile"
)

// routerConfig is the sidecar's expected config.yaml shape, per spec 4.C6.
type routerConfig struct {
	Server         serverBlock     `yaml:"server"`
	ModelList      []modelEntry    `yaml:"model_list"`
	RouterSettings routerSettings  `yaml:"router_settings"`
}

type serverBlock struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type modelEntry struct {
	ModelName string `yaml:"model_name"`
}

type routerSettings struct {
	RoutingStrategy string         `yaml:"routing_strategy"`
	Rules           []ruleEntry    `yaml:"rules,omitempty"`
}

type ruleEntry struct {
	Name     string `yaml:"name"`
	Model    string `yaml:"model"`
	Priority int    `yaml:"priority"`
}

var strategyNames = map[profile.RoutingStrategy]string{
	profile.RoutingSimple:      "simple",
	profile.RoutingWeighted:    "weighted",
	profile.RoutingLowestCost:  "lowest-cost",
	profile.RoutingAdaptive:    "adaptive",
	profile.RoutingConditional: "conditional",
}

// GenerateConfig translates a ProfileProxyConfig into the sidecar's
// config.yaml bytes, per spec 4.C6.
func GenerateConfig(cfg profile.ProxyConfig, port int) ([]byte, error) {
	models := map[string]bool{}
	for _, rule := range cfg.Routing.Rules {
		if rule.Target != "" {
			models[rule.Target] = true
		}
	}
	for _, target := range cfg.ModelAliases {
		if target != "" {
			models[target] = true
		}
	}

	modelNames := make([]string, 0, len(models))
	for name := range models {
		modelNames = append(modelNames, name)
	}
	sort.Strings(modelNames)

	modelList := make([]modelEntry, 0, len(modelNames))
	for _, name := range modelNames {
		modelList = append(modelList, modelEntry{ModelName: name})
	}

	strategy := strategyNames[cfg.Routing.Strategy]
	if strategy == "" {
		strategy = "simple"
	}

	rc := routerConfig{
		Server: serverBlock{Host: "127.0.0.1", Port: port},
		ModelList: modelList,
		RouterSettings: routerSettings{
			RoutingStrategy: strategy,
		},
	}

	if cfg.Routing.Strategy == profile.RoutingConditional {
		rules := make([]ruleEntry, 0, len(cfg.Routing.Rules))
		for _, r := range cfg.Routing.Rules {
			rules = append(rules, ruleEntry{
				Name:     strings.TrimSpace(r.Condition),
				Model:    r.Target,
				Priority: r.Priority,
			})
		}
		rc.RouterSettings.Rules = rules
	}

	return yaml.Marshal(rc)
}
