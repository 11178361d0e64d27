package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/plugin"
	"github.com/stretchr/testify/require"
)

const pingScript = `
function register()
  return {
    name = "ping",
    help = "ping: answers pong",
    max_args = 0,
    handle = function(inv) return "pong" end,
  }
end
`

const diceScript = `
local function roll(inv)
  local out = {}
  for i, a in ipairs(inv.args) do
    table.insert(out, inv.sender_name .. " rolled " .. a)
  end
  return out
end

function register()
  return {
    { name = "roll", aliases = {"dice", "r"}, min_args = 1, max_args = -1, level = "guest", api = "^1.0", handle = roll },
    { name = "whoami", level = 2, handle = function(inv) return inv.backend .. "/" .. inv.room .. "/" .. inv.level_name end },
  }
end
`

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newLoader(t *testing.T, roots []string, disabled []string, modules ...plugin.Module) *plugin.Loader {
	t.Helper()
	l, err := plugin.NewLoader(plugin.Options{Roots: roots, Disabled: disabled, APIVersion: "1.0.0"}, modules...)
	require.NoError(t, err)
	return l
}

func invoke(t *testing.T, spec *command.Spec, args ...string) ([]chat.OutgoingMessage, error) {
	t.Helper()
	return spec.Handler.Run(context.Background(), &command.Invocation{
		ID:    "i1",
		Name:  spec.Name,
		Args:  args,
		Spec:  spec,
		Level: access.User,
		Message: chat.IncomingMessage{
			ID:         "m1",
			Backend:    "console",
			Room:       "local",
			Sender:     "alice",
			SenderName: "Alice",
		},
	})
}

func TestLoader_PingResolvesCaseInsensitive(t *testing.T) {
	r := require.New(t)

	// Given
	dir := t.TempDir()
	writeFile(t, dir, "ping.lua", pingScript)

	// When
	reg, errs := newLoader(t, []string{dir}, nil).Build()

	// Then
	r.Empty(errs)
	spec, err := reg.Resolve("PING")
	r.NoError(err)
	r.Equal("ping", spec.Name)
	r.Equal("ping", spec.Module)
	r.Equal(0, spec.MaxArgs)

	out, err := invoke(t, spec)
	r.NoError(err)
	r.Len(out, 1)
	r.Equal("pong", out[0].Text)
	r.Equal("local", out[0].Room)
}

func TestLoader_RecursiveDiscoveryAndIsolation(t *testing.T) {
	r := require.New(t)

	// Given: valid scripts next to broken ones
	dir := t.TempDir()
	writeFile(t, dir, "ping.lua", pingScript)
	writeFile(t, dir, "games/fun/dice.lua", diceScript)
	bad := writeFile(t, dir, "broken.lua", "function register( return end")
	noReg := writeFile(t, dir, "nested/noreg.lua", "x = 1")
	writeFile(t, dir, ".hidden/ghost.lua", "this is not lua")
	writeFile(t, dir, "README.md", "# not a plugin")

	// When
	reg, errs := newLoader(t, []string{dir}, nil).Build()

	// Then
	r.Len(errs, 2)
	paths := []string{}
	for _, err := range errs {
		var le *plugin.LoadError
		r.ErrorAs(err, &le)
		paths = append(paths, le.Path)
	}
	r.ElementsMatch([]string{bad, noReg}, paths)
	r.ErrorIs(errs[len(errs)-1], plugin.ErrNoRegister)

	for _, name := range []string{"ping", "roll", "dice", "R", "whoami"} {
		_, err := reg.Resolve(name)
		r.NoError(err, name)
	}
	roll, _ := reg.Resolve("roll")
	r.Equal("games/fun/dice", roll.Module)
	r.Equal(access.Guest, roll.Level)
	r.Equal(command.Unbounded, roll.MaxArgs)
	r.Equal([]string{"dice", "r"}, roll.Aliases)
}

func TestLoader_ScriptHandlerReceivesInvocation(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	writeFile(t, dir, "dice.lua", diceScript)
	reg, errs := newLoader(t, []string{dir}, nil).Build()
	r.Empty(errs)

	roll, err := reg.Resolve("dice")
	r.NoError(err)
	out, err := invoke(t, roll, "d6", "d20")
	r.NoError(err)
	r.Len(out, 2)
	r.Equal("Alice rolled d6", out[0].Text)
	r.Equal("Alice rolled d20", out[1].Text)

	who, err := reg.Resolve("whoami")
	r.NoError(err)
	out, err = invoke(t, who)
	r.NoError(err)
	r.Equal("console/local/user", out[0].Text)
}

func TestLoader_ScriptErrorIsReturned(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	writeFile(t, dir, "oops.lua", `
function register()
  return { name = "oops", handle = function(inv) error("kaboom") end }
end
`)
	reg, errs := newLoader(t, []string{dir}, nil).Build()
	r.Empty(errs)

	spec, err := reg.Resolve("oops")
	r.NoError(err)
	_, err = invoke(t, spec)
	r.ErrorContains(err, "kaboom")
}

func TestLoader_APIMismatch(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "future.lua", `
function register()
  return { name = "future", api = ">= 2.0.0", handle = function() end }
end
`)

	reg, errs := newLoader(t, []string{dir}, nil).Build()

	r.Len(errs, 1)
	var le *plugin.LoadError
	r.ErrorAs(errs[0], &le)
	r.Equal(path, le.Path)
	r.ErrorContains(errs[0], "requires plugin api")
	r.Zero(reg.Len())
}

func TestLoader_MissingHandle(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	writeFile(t, dir, "nohandle.lua", `function register() return { name = "x" } end`)

	_, errs := newLoader(t, []string{dir}, nil).Build()

	r.Len(errs, 1)
	r.ErrorIs(errs[0], plugin.ErrNoHandle)
}

func TestLoader_SandboxHasNoIO(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	writeFile(t, dir, "io.lua", `
function register()
  return { name = "probe", handle = function()
    return tostring(io) .. " " .. tostring(os) .. " " .. tostring(dofile)
  end }
end
`)
	reg, errs := newLoader(t, []string{dir}, nil).Build()
	r.Empty(errs)

	spec, _ := reg.Resolve("probe")
	out, err := invoke(t, spec)
	r.NoError(err)
	r.Equal("nil nil nil", out[0].Text)
}

type staticModule struct {
	name  string
	specs []command.Spec
}

func (m staticModule) Name() string                      { return m.name }
func (m staticModule) Register() ([]command.Spec, error) { return m.specs, nil }

func noop() command.Handler {
	return command.HandlerFunc(func(context.Context, *command.Invocation) ([]chat.OutgoingMessage, error) {
		return nil, nil
	})
}

func TestLoader_DuplicateAcrossModuleAndScript(t *testing.T) {
	r := require.New(t)

	// Given: a compiled-in module already owns "ping"
	dir := t.TempDir()
	path := writeFile(t, dir, "ping.lua", pingScript)
	core := staticModule{name: "core", specs: []command.Spec{{Name: "ping", Handler: noop()}}}

	// When
	reg, errs := newLoader(t, []string{dir}, nil, core).Build()

	// Then: the script loses, the module keeps its command
	r.Len(errs, 1)
	var le *plugin.LoadError
	r.ErrorAs(errs[0], &le)
	r.Equal(path, le.Path)
	var dup *command.DuplicateAliasError
	r.ErrorAs(errs[0], &dup)

	spec, err := reg.Resolve("ping")
	r.NoError(err)
	r.Equal("core", spec.Module)
}

func TestLoader_DisabledModules(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	writeFile(t, dir, "games/dice.lua", diceScript)
	writeFile(t, dir, "ping.lua", pingScript)
	media := staticModule{name: "media", specs: []command.Spec{{Name: "play", Handler: noop()}}}

	reg, errs := newLoader(t, []string{dir}, []string{"Media", "games/dice"}, media).Build()

	r.Empty(errs)
	r.Equal(1, reg.Len())
	_, err := reg.Resolve("ping")
	r.NoError(err)
}

func TestLoader_MissingRootIsQuiet(t *testing.T) {
	r := require.New(t)

	reg, errs := newLoader(t, []string{filepath.Join(t.TempDir(), "nope")}, nil).Build()

	r.Empty(errs)
	r.Zero(reg.Len())
}

func TestLoader_ShippedPlugins(t *testing.T) {
	r := require.New(t)
	root := filepath.Join("..", "..", "plugins")

	reg, errs := newLoader(t, []string{root}, nil).Build()

	r.Empty(errs)
	roll, err := reg.Resolve("dice")
	r.NoError(err)
	r.Equal("dice", roll.Module)
	out, err := invoke(t, roll, "3d6", "x")
	r.NoError(err)
	r.Len(out, 2)
	r.Regexp(`^Alice rolled 3d6: \d+ \+ \d+ \+ \d+ = \d+$`, out[0].Text)
	r.Equal("Cannot roll x, use NdM like 2d6.", out[1].Text)

	out, err = invoke(t, roll, "d20", "2D4", "1.5d6", "2d")
	r.NoError(err)
	r.Len(out, 4)
	r.Regexp(`^Alice rolled d20: \d+ = \d+$`, out[0].Text)
	r.Regexp(`^Alice rolled 2D4: \d \+ \d = \d+$`, out[1].Text)
	r.Equal("Cannot roll 1.5d6, use NdM like 2d6.", out[2].Text)
	r.Equal("Cannot roll 2d, use NdM like 2d6.", out[3].Text)

	whoami, err := reg.Resolve("whoami")
	r.NoError(err)
	r.Equal("fun/fortune", whoami.Module)
	out, err = invoke(t, whoami)
	r.NoError(err)
	r.Equal("alice on console/local is user", out[0].Text)
}

func TestLoader_RunawayScriptsTimeOut(t *testing.T) {
	r := require.New(t)

	// Given one script looping at top level, one looping in register() and a good one
	dir := t.TempDir()
	spin := writeFile(t, dir, "a_spin.lua", "while true do end")
	stuck := writeFile(t, dir, "b_stuck.lua", "function register() while true do end end")
	writeFile(t, dir, "c_ping.lua", pingScript)
	l, err := plugin.NewLoader(plugin.Options{Roots: []string{dir}, APIVersion: "1.0.0", LoadTimeout: 50 * time.Millisecond})
	r.NoError(err)

	// When the loader builds
	type built struct {
		reg  *command.Registry
		errs []error
	}
	done := make(chan built, 1)
	go func() {
		reg, errs := l.Build()
		done <- built{reg, errs}
	}()

	// Then both runaway files fail on their own and ping still loads
	select {
	case b := <-done:
		r.Len(b.errs, 2)
		paths := []string{}
		for _, e := range b.errs {
			var le *plugin.LoadError
			r.ErrorAs(e, &le)
			r.ErrorIs(e, context.DeadlineExceeded)
			paths = append(paths, le.Path)
		}
		r.ElementsMatch([]string{spin, stuck}, paths)
		_, err := b.reg.Resolve("ping")
		r.NoError(err)
	case <-time.After(5 * time.Second):
		r.Fail("loader did not return")
	}
}

func TestLoader_HandlerIsInterruptedByContext(t *testing.T) {
	r := require.New(t)

	// Given a script with a looping command and a quick one
	dir := t.TempDir()
	writeFile(t, dir, "slow.lua", `
function register()
  return {
    { name = "spin", handle = function(inv) while true do end end },
    { name = "quick", handle = function(inv) return "done" end },
  }
end
`)
	reg, errs := newLoader(t, []string{dir}, nil).Build()
	r.Empty(errs)
	spin, err := reg.Resolve("spin")
	r.NoError(err)
	quick, err := reg.Resolve("quick")
	r.NoError(err)

	// When spin runs past its deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = spin.Handler.Run(ctx, &command.Invocation{Name: "spin", Spec: spin})

	// Then it is aborted and the script takes new calls
	r.ErrorIs(err, context.DeadlineExceeded)
	out, err := invoke(t, quick)
	r.NoError(err)
	r.Equal("done", out[0].Text)
}
