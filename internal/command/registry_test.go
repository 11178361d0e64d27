package command_test

import (
	"context"
	"sync"
	"testing"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/stretchr/testify/require"
)

func noop(text string) command.Handler {
	return command.HandlerFunc(func(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
		return inv.Reply(text), nil
	})
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := require.New(t)

	// Given
	reg := command.NewRegistry()
	r.NoError(reg.Register(command.Spec{Name: "ping", Aliases: []string{"p"}, MaxArgs: 0, Handler: noop("pong")}))

	// When
	byName, err := reg.Resolve("PING")
	r.NoError(err)
	byAlias, err := reg.Resolve("P")
	r.NoError(err)

	// Then
	r.Same(byName, byAlias)
	r.Equal("ping", byName.Name)
}

func TestRegistry_ResolveMiss(t *testing.T) {
	r := require.New(t)
	reg := command.NewRegistry()

	_, err := reg.Resolve("nope")

	var nf *command.NotFoundError
	r.ErrorAs(err, &nf)
	r.Equal("nope", nf.Name)
}

func TestRegistry_DuplicateAliasLeavesPriorIntact(t *testing.T) {
	r := require.New(t)

	// Given
	reg := command.NewRegistry()
	r.NoError(reg.Register(command.Spec{Name: "play", Aliases: []string{"p"}, MinArgs: 1, MaxArgs: 1, Handler: noop("first")}))

	// When: a second spec claims a fresh name plus a taken alias in other case
	err := reg.Register(command.Spec{Name: "pause", Aliases: []string{"P"}, Handler: noop("second")})

	// Then
	var dup *command.DuplicateAliasError
	r.ErrorAs(err, &dup)
	r.Equal("p", dup.Alias)
	r.Equal("play", dup.Existing)

	s, err := reg.Resolve("p")
	r.NoError(err)
	r.Equal("play", s.Name)

	_, err = reg.Resolve("pause")
	r.Error(err, "failed spec must not be partially registered")
	r.Equal(1, reg.Len())
}

func TestRegistry_AliasRepeatingOwnNameIsCollapsed(t *testing.T) {
	r := require.New(t)
	reg := command.NewRegistry()

	r.NoError(reg.Register(command.Spec{Name: "help", Aliases: []string{"HELP", "h"}, MaxArgs: 1, Handler: noop("")}))
	r.Len(reg.List(), 1)
}

func TestRegistry_RejectsInvalidSpecs(t *testing.T) {
	cases := []struct {
		name string
		spec command.Spec
	}{
		{"empty name", command.Spec{Handler: noop("")}},
		{"whitespace", command.Spec{Name: "two words", Handler: noop("")}},
		{"no handler", command.Spec{Name: "x"}},
		{"negative min", command.Spec{Name: "x", MinArgs: -1, Handler: noop("")}},
		{"max below min", command.Spec{Name: "x", MinArgs: 2, MaxArgs: 1, Handler: noop("")}},
		{"bad level", command.Spec{Name: "x", Level: access.Level(42), Handler: noop("")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var invalid *command.InvalidSpecError
			require.ErrorAs(t, command.NewRegistry().Register(tc.spec), &invalid)
		})
	}
}

func TestRegistry_ListIsUniqueAndSorted(t *testing.T) {
	r := require.New(t)
	reg := command.NewRegistry()
	for _, n := range []string{"volume", "ping", "help"} {
		r.NoError(reg.Register(command.Spec{Name: n, Aliases: []string{n + "x"}, MaxArgs: command.Unbounded, Handler: noop("")}))
	}

	var names []string
	for _, s := range reg.List() {
		names = append(names, s.Name)
	}
	r.Equal([]string{"help", "ping", "volume"}, names)
}

func TestRegistry_ConcurrentRegisterNeverDuplicates(t *testing.T) {
	r := require.New(t)
	reg := command.NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Register(command.Spec{Name: "race", Handler: noop("")}) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	r.Equal(1, wins)
}

func TestSpec_Arity(t *testing.T) {
	r := require.New(t)

	s := command.Spec{MinArgs: 1, MaxArgs: 1}
	r.True(s.AcceptsArgs(1))
	r.False(s.AcceptsArgs(0))
	r.False(s.AcceptsArgs(2))
	r.Equal("1", s.Arity())

	s = command.Spec{MinArgs: 1, MaxArgs: command.Unbounded}
	r.True(s.AcceptsArgs(50))
	r.Equal("1+", s.Arity())

	s = command.Spec{MinArgs: 0, MaxArgs: 2}
	r.Equal("0..2", s.Arity())
}

func TestHolder_Swap(t *testing.T) {
	r := require.New(t)

	first := command.NewRegistry()
	r.NoError(first.Register(command.Spec{Name: "old", Handler: noop("")}))
	h := command.NewHolder(first)

	next := command.NewRegistry()
	r.NoError(next.Register(command.Spec{Name: "new", Handler: noop("")}))
	prev := h.Swap(next)

	r.Same(first, prev)
	_, err := h.Current().Resolve("new")
	r.NoError(err)
	_, err = h.Current().Resolve("old")
	r.Error(err)
}

func TestApply_FirstMiddlewareIsOutermost(t *testing.T) {
	r := require.New(t)

	var order []string
	mark := func(name string) command.Middleware {
		return func(next command.Handler) command.Handler {
			return command.Wrap(next, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
				order = append(order, name)
				return next.Run(ctx, inv)
			})
		}
	}

	base := noop("done")
	h := command.Apply(base, mark("outer"), mark("inner"))
	_, err := h.Run(context.Background(), &command.Invocation{})
	r.NoError(err)

	r.Equal([]string{"outer", "inner"}, order)
	r.NotNil(command.Root(h))
}
