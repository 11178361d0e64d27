package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/Shopify/go-lua"
	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/rs/zerolog/log"
)

// global holding the command tables returned by register()
const commandsGlobal = "__commands"

// hookEvery is how many VM instructions run between interrupt checks.
const hookEvery = 1000

var (
	ErrNoRegister = errors.New("script defines no register() function")
	ErrNoHandle   = errors.New("command has no handle function")
)

// script is one Lua file with its own interpreter. The state is not safe
// for concurrent use, so every call holds mu.
type script struct {
	mu     sync.Mutex
	path   string
	module string
	state  *lua.State
	// ctx of the running call; the count hook aborts the script once it is done.
	ctx context.Context
}

// loadScript runs the file, calls its register() and turns the returned
// declaration(s) into specs. handle is not called here. ctx bounds both
// the top-level chunk and register().
func loadScript(ctx context.Context, path, module string, api *semver.Version) ([]command.Spec, error) {
	s := &script{path: path, module: module, state: lua.NewState()}
	l := s.state
	s.openSandbox()
	s.installInterrupt()
	s.ctx = ctx
	defer func() { s.ctx = nil }()

	if err := lua.LoadFile(l, path, ""); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if err := s.call(0, 0); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	l.Global("register")
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil, ErrNoRegister
	}
	if err := s.call(0, 1); err != nil {
		return nil, fmt.Errorf("register(): %w", err)
	}
	if !l.IsTable(-1) {
		kind := lua.TypeNameOf(l, -1)
		l.Pop(1)
		return nil, fmt.Errorf("register() returned %s, want table", kind)
	}

	// A single declaration or a list of them.
	l.Field(-1, "name")
	single := !l.IsNil(-1)
	l.Pop(1)
	if single {
		l.CreateTable(1, 0)
		l.PushValue(-2)
		l.RawSetInt(-2, 1)
		l.Remove(-2)
	}
	l.SetGlobal(commandsGlobal)

	l.Global(commandsGlobal)
	defer l.Pop(1)
	n := l.RawLength(-1)
	if n == 0 {
		return nil, errors.New("register() returned no commands")
	}

	specs := make([]command.Spec, 0, n)
	for i := 1; i <= n; i++ {
		l.RawGetInt(-1, i)
		spec, err := s.readSpec(-1, api)
		l.Pop(1)
		if err != nil {
			return nil, fmt.Errorf("command #%d: %w", i, err)
		}
		spec.Handler = s.handler(i, spec.Name)
		specs = append(specs, spec)
	}
	return specs, nil
}

// openSandbox exposes base, table, string and math. Nothing that touches
// the filesystem or loads code is left reachable.
func (s *script) openSandbox() {
	l := s.state
	libs := []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "math", Function: lua.MathOpen},
	}
	for _, lib := range libs {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		l.PushNil()
		l.SetGlobal(name)
	}
	l.PushGoFunction(s.print)
	l.SetGlobal("print")
}

// installInterrupt raises a Lua error from inside running code once the
// current call's ctx is done, so runaway loops unwind and release mu.
func (s *script) installInterrupt() {
	lua.SetDebugHook(s.state, func(l *lua.State, _ lua.Debug) {
		if s.ctx != nil && s.ctx.Err() != nil {
			lua.Errorf(l, "interrupted: %s", s.ctx.Err().Error())
		}
	}, lua.MaskCount, hookEvery)
}

// call is ProtectedCall that reports ctx's error when the hook fired.
func (s *script) call(args, results int) error {
	err := s.state.ProtectedCall(args, results, 0)
	if err != nil && s.ctx != nil && s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return err
}

// print sends script output to the log instead of stdout.
func (s *script) print(l *lua.State) int {
	n := l.Top()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if str, ok := l.ToString(i); ok {
			parts = append(parts, str)
		} else {
			parts = append(parts, lua.TypeNameOf(l, i))
		}
	}
	log.Info().Str("module", s.module).Msg(strings.Join(parts, "\t"))
	return 0
}

func (s *script) readSpec(idx int, api *semver.Version) (command.Spec, error) {
	l := s.state
	idx = l.AbsIndex(idx)
	if !l.IsTable(idx) {
		return command.Spec{}, fmt.Errorf("declaration is %s, want table", lua.TypeNameOf(l, idx))
	}

	spec := command.Spec{
		Module:  s.module,
		Source:  s.path,
		Level:   access.User,
		MaxArgs: command.Unbounded,
	}
	spec.Name, _ = stringField(l, idx, "name")
	if strings.TrimSpace(spec.Name) == "" {
		return spec, errors.New("name is required")
	}
	spec.Help, _ = stringField(l, idx, "help")
	spec.Description, _ = stringField(l, idx, "description")
	if n, ok := intField(l, idx, "min_args"); ok {
		spec.MinArgs = n
	}
	if n, ok := intField(l, idx, "max_args"); ok {
		spec.MaxArgs = n
	}

	aliases, err := stringsField(l, idx, "aliases")
	if err != nil {
		return spec, err
	}
	spec.Aliases = aliases

	level, err := levelField(l, idx, "level")
	if err != nil {
		return spec, err
	}
	if level != nil {
		spec.Level = *level
	}

	if constraint, ok := stringField(l, idx, "api"); ok && constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return spec, fmt.Errorf("api %q: %w", constraint, err)
		}
		if !c.Check(api) {
			return spec, fmt.Errorf("requires plugin api %s, host provides %s", constraint, api)
		}
	}

	l.Field(idx, "handle")
	isFn := l.IsFunction(-1)
	l.Pop(1)
	if !isFn {
		return spec, ErrNoHandle
	}
	return spec, nil
}

func (s *script) handler(i int, name string) command.Handler {
	return command.HandlerFunc(func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.ctx = ctx
		defer func() { s.ctx = nil }()

		l := s.state
		top := l.Top()
		defer l.SetTop(top)

		l.Global(commandsGlobal)
		l.RawGetInt(-1, i)
		l.Field(-1, "handle")
		pushInvocation(l, inv)
		if err := s.call(1, 1); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		texts, err := readReplies(l, -1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return inv.Reply(texts...), nil
	})
}

func pushInvocation(l *lua.State, inv *command.Invocation) {
	l.NewTable()
	setString(l, "name", inv.Name)
	setString(l, "sender", inv.Message.Sender)
	setString(l, "sender_name", inv.Message.DisplayName())
	setString(l, "room", inv.Message.Room)
	setString(l, "backend", inv.Message.Backend)
	l.PushBoolean(inv.Message.Private)
	l.SetField(-2, "private")
	l.PushInteger(int(inv.Level))
	l.SetField(-2, "level")
	setString(l, "level_name", inv.Level.String())

	l.CreateTable(len(inv.Args), 0)
	for i, a := range inv.Args {
		l.PushString(a)
		l.RawSetInt(-2, i+1)
	}
	l.SetField(-2, "args")
}

// readReplies accepts nil, a string (or number) or a list of strings.
func readReplies(l *lua.State, idx int) ([]string, error) {
	idx = l.AbsIndex(idx)
	switch l.TypeOf(idx) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeString, lua.TypeNumber:
		s, _ := l.ToString(idx)
		return []string{s}, nil
	case lua.TypeTable:
		n := l.RawLength(idx)
		out := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			l.RawGetInt(idx, i)
			s, ok := l.ToString(-1)
			l.Pop(1)
			if !ok {
				return nil, fmt.Errorf("reply #%d is not a string", i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("handle returned %s", lua.TypeNameOf(l, idx))
	}
}

func setString(l *lua.State, key, value string) {
	l.PushString(value)
	l.SetField(-2, key)
}

func stringField(l *lua.State, idx int, key string) (string, bool) {
	l.Field(idx, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeString {
		return "", false
	}
	return l.ToString(-1)
}

func intField(l *lua.State, idx int, key string) (int, bool) {
	l.Field(idx, key)
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeNumber {
		return 0, false
	}
	return l.ToInteger(-1)
}

func stringsField(l *lua.State, idx int, key string) ([]string, error) {
	l.Field(idx, key)
	defer l.Pop(1)
	switch l.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeString:
		s, _ := l.ToString(-1)
		return []string{s}, nil
	case lua.TypeTable:
	default:
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
	n := l.RawLength(-1)
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		l.RawGetInt(-1, i)
		s, ok := l.ToString(-1)
		l.Pop(1)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", key, i)
		}
		out = append(out, s)
	}
	return out, nil
}

func levelField(l *lua.State, idx int, key string) (*access.Level, error) {
	l.Field(idx, key)
	defer l.Pop(1)
	var (
		level access.Level
		err   error
	)
	switch l.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeNumber:
		n, _ := l.ToInteger(-1)
		level = access.Level(n)
		if !level.Valid() {
			err = fmt.Errorf("level %d out of range", n)
		}
	case lua.TypeString:
		s, _ := l.ToString(-1)
		level, err = access.ParseLevel(s)
	default:
		err = fmt.Errorf("level must be a name or a number")
	}
	if err != nil {
		return nil, err
	}
	return &level, nil
}
