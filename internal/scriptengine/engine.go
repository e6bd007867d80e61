// Package scriptengine implements C4: a deterministic, sandboxed evaluator
// that maps a ScriptContext to a ScriptOutput using go.starlark.net.
//
// Starlark has no ambient I/O, reflection, or import of arbitrary Go
// values — the only surface a script can touch is the "ctx" argument
// passed to its configure() function and whatever pure computation it
// performs on it. Resource caps are enforced two ways: the interpreter's
// own execution-step counter bounds runaway loops/recursion, and a
// post-evaluation walk of the produced value bounds string/container size
// and nesting depth.
package scriptengine

import (
	"fmt"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"

	"github.com/ensemble-dev/ensemble/internal/apierr"
)

// predeclared exposes the json module (encode/decode/indent) to scripts.
// No other standard module is predeclared: scripts have no file, network,
// time, or process access.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json": json.Module,
	}
}

// Engine evaluates a single script source against a ScriptContext. A new
// Engine (and a new starlark.Thread) is used for every evaluation — per
// spec 4.C4, "its engine instance is not shared across threads."
type Engine struct {
	limits Limits
}

// New creates an Engine with the given resource caps.
func New(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// EntryPoint is the top-level Starlark function every script must define:
// configure(ctx) -> dict.
const EntryPoint = "configure"

// Eval parses and runs source, calls configure(ctx), and validates the
// returned dict against the recognized ScriptOutput keys.
func (e *Engine) Eval(scriptName string, source []byte, ctx ScriptContext) (*ScriptOutput, error) {
	thread := &starlark.Thread{
		Name:  scriptName,
		Print: func(*starlark.Thread, string) {}, // scripts may not write to stdout
	}
	thread.SetMaxExecutionSteps(e.limits.MaxOperations)

	globals, err := starlark.ExecFile(thread, scriptName, source, predeclared())
	if err != nil {
		return nil, apierr.ScriptError(err)
	}

	configure, ok := globals[EntryPoint]
	if !ok {
		return nil, apierr.ScriptError(fmt.Errorf("script %s does not define %s(ctx)", scriptName, EntryPoint))
	}
	fn, ok := configure.(*starlark.Function)
	if !ok {
		return nil, apierr.ScriptError(fmt.Errorf("script %s: %s is not a function", scriptName, EntryPoint))
	}

	ctxValue, err := toStarlark(contextToMap(ctx))
	if err != nil {
		return nil, apierr.ScriptError(err)
	}

	result, err := starlark.Call(thread, fn, starlark.Tuple{ctxValue}, nil)
	if err != nil {
		return nil, apierr.ScriptError(err)
	}

	resultDict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, apierr.ScriptError(fmt.Errorf("script %s: %s must return a dict, got %s", scriptName, EntryPoint, result.Type()))
	}

	raw, err := fromStarlark(resultDict, 0, e.limits.MaxCallDepth)
	if err != nil {
		return nil, apierr.ScriptError(err)
	}

	rawMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil, apierr.ScriptError(fmt.Errorf("script %s: output must be an object", scriptName))
	}

	if err := e.enforceSizeCaps(rawMap, 0); err != nil {
		return nil, apierr.ScriptError(err)
	}

	return toScriptOutput(rawMap)
}

// enforceSizeCaps walks v and rejects strings/containers larger than the
// configured limits.
func (e *Engine) enforceSizeCaps(v interface{}, depth int) error {
	if depth > e.limits.MaxCallDepth {
		return fmt.Errorf("output nesting exceeds max call depth %d", e.limits.MaxCallDepth)
	}
	switch t := v.(type) {
	case string:
		if len(t) > e.limits.MaxStringSize {
			return fmt.Errorf("output string exceeds max size %d bytes", e.limits.MaxStringSize)
		}
	case []interface{}:
		if len(t) > e.limits.MaxContainerSize {
			return fmt.Errorf("output array exceeds max size %d elements", e.limits.MaxContainerSize)
		}
		for _, elem := range t {
			if err := e.enforceSizeCaps(elem, depth+1); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		if len(t) > e.limits.MaxContainerSize {
			return fmt.Errorf("output map exceeds max size %d entries", e.limits.MaxContainerSize)
		}
		for _, vv := range t {
			if err := e.enforceSizeCaps(vv, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func toScriptOutput(m map[string]interface{}) (*ScriptOutput, error) {
	out := &ScriptOutput{}

	if v, ok := m["files"]; ok {
		files, err := asStringMap(v)
		if err != nil {
			return nil, apierr.ScriptError(fmt.Errorf("files: %w", err))
		}
		out.Files = files
	}
	if v, ok := m["env"]; ok {
		env, err := asStringMap(v)
		if err != nil {
			return nil, apierr.ScriptError(fmt.Errorf("env: %w", err))
		}
		out.Env = env
	}
	if v, ok := m["args"]; ok {
		args, err := asStringSlice(v)
		if err != nil {
			return nil, apierr.ScriptError(fmt.Errorf("args: %w", err))
		}
		out.Args = args
	}
	if v, ok := m["hooks"]; ok {
		out.Hooks = v
	}
	if v, ok := m["mcp_servers"]; ok {
		out.MCPServers = v
	}

	return out, nil
}

func asStringMap(v interface{}) (map[string]string, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, vv := range m {
		s, ok := vv.(string)
		if !ok {
			return nil, fmt.Errorf("key %q: expected string value, got %T", k, vv)
		}
		out[k] = s
	}
	return out, nil
}

func asStringSlice(v interface{}) ([]string, error) {
	s, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	out := make([]string, len(s))
	for i, vv := range s {
		str, ok := vv.(string)
		if !ok {
			return nil, fmt.Errorf("index %d: expected string, got %T", i, vv)
		}
		out[i] = str
	}
	return out, nil
}
