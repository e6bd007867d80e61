package scriptengine

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts a plain Go value (string, bool, int, float64, nil,
// []interface{}, map[string]interface{}, or one of this package's context
// structs via toMap) into a starlark.Value.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(t), nil
	case bool:
		return starlark.Bool(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case float64:
		return starlark.Float(t), nil
	case []string:
		elems := make([]starlark.Value, len(t))
		for i, s := range t {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case []interface{}:
		elems := make([]starlark.Value, len(t))
		for i, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]string:
		d := starlark.NewDict(len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := d.SetKey(starlark.String(k), starlark.String(t[k])); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]interface{}:
		d := starlark.NewDict(len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("scriptengine: unsupported value type %T", v)
	}
}

func contextToMap(ctx ScriptContext) map[string]interface{} {
	return map[string]interface{}{
		"profile": map[string]interface{}{
			"alias":        ctx.Profile.Alias,
			"home":         ctx.Profile.Home,
			"model":        ctx.Profile.Model,
			"endpoint":     ctx.Profile.Endpoint,
			"hooks":        toStringSlice(ctx.Profile.Hooks),
			"mcp_servers":  toStringSlice(ctx.Profile.MCPServers),
			"hooks_config": ctx.Profile.HooksConfig,
			"proxy_url":    ctx.Profile.ProxyURL,
		},
		"provider": map[string]interface{}{
			"id":           ctx.Provider.ID,
			"name":         ctx.Provider.Name,
			"type":         ctx.Provider.Type,
			"auth_env_key": ctx.Provider.AuthEnvKey,
		},
		"agent": map[string]interface{}{
			"id":     ctx.Agent.ID,
			"name":   ctx.Agent.Name,
			"binary": ctx.Agent.Binary,
		},
		"prefs": ctx.Prefs,
	}
}

func toStringSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// fromStarlark converts a starlark.Value back into plain Go values
// (string, bool, int64, float64, nil, []interface{}, map[string]interface{}),
// tracking nesting depth against maxDepth.
func fromStarlark(v starlark.Value, depth, maxDepth int) (interface{}, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("scriptengine: output exceeds max call/nesting depth %d", maxDepth)
	}
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		i, ok := t.Int64()
		if !ok {
			return nil, fmt.Errorf("scriptengine: integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(t), nil
	case *starlark.List:
		out := make([]interface{}, 0, t.Len())
		iter := t.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			ev, err := fromStarlark(elem, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]interface{}, 0, t.Len())
		for _, elem := range t {
			ev, err := fromStarlark(elem, depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]interface{}, t.Len())
		for _, item := range t.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("scriptengine: non-string dict key %v", item[0])
			}
			vv, err := fromStarlark(item[1], depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out[k] = vv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("scriptengine: unsupported output value type %s", v.Type())
	}
}
