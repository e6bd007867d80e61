package scriptengine

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalClaudeBuiltin(t *testing.T) {
	loader := NewLoader(t.TempDir())
	name, src, err := loader.Load("claude.star")
	require.NoError(t, err)

	eng := New(DefaultLimits)
	out, err := eng.Eval(name, src, ScriptContext{
		Profile: ProfileContext{
			Alias:      "work",
			Model:      "claude-sonnet-4-5",
			MCPServers: []string{"fs"},
		},
		Provider: ProviderContext{AuthEnvKey: "ANTHROPIC_API_KEY"},
	})
	require.NoError(t, err)
	require.Contains(t, out.Files, ".claude/settings.json")
	require.Equal(t, "${API_KEY}", out.Env["ANTHROPIC_API_KEY"])
}

func TestEvalUserOverrideWins(t *testing.T) {
	dir := t.TempDir()
	override := `
def configure(ctx):
    return {"files": {"marker.txt": "overridden"}, "env": {}, "args": []}
`
	writeFile(t, dir+"/claude.star", override)

	loader := NewLoader(dir)
	name, src, err := loader.Load("claude.star")
	require.NoError(t, err)
	require.Contains(t, name, dir)

	eng := New(DefaultLimits)
	out, err := eng.Eval(name, []byte(src), ScriptContext{})
	require.NoError(t, err)
	require.Equal(t, "overridden", out.Files["marker.txt"])
}

func TestEvalRejectsNonObjectOutput(t *testing.T) {
	eng := New(DefaultLimits)
	_, err := eng.Eval("bad.star", []byte("def configure(ctx):\n    return \"not an object\"\n"), ScriptContext{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "dict"))
}

func TestEvalEnforcesOperationCap(t *testing.T) {
	limits := DefaultLimits
	limits.MaxOperations = 1000
	eng := New(limits)

	_, err := eng.Eval("loop.star", []byte(`
def configure(ctx):
    total = 0
    for i in range(10000000):
        total += i
    return {"files": {}, "env": {}, "args": []}
`), ScriptContext{})
	require.Error(t, err)
}

func TestEvalEnforcesStringSizeCap(t *testing.T) {
	limits := DefaultLimits
	limits.MaxStringSize = 8
	eng := New(limits)

	_, err := eng.Eval("bigstring.star", []byte(`
def configure(ctx):
    return {"files": {"f.txt": "this string is way too long"}, "env": {}, "args": []}
`), ScriptContext{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds max size")
}

func TestEvalMissingEntryPoint(t *testing.T) {
	eng := New(DefaultLimits)
	_, err := eng.Eval("noop.star", []byte("x = 1\n"), ScriptContext{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "configure")
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
