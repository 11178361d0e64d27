package core_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/plugins/core"
	"github.com/keshon/parley/internal/session"
	"github.com/keshon/parley/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	records []storage.CommandHistoryRecord
}

func (f *fakeHistory) FetchCommandHistory(chat.RoomKey) ([]storage.CommandHistoryRecord, error) {
	return f.records, nil
}

type env struct {
	reg    *command.Registry
	holder *command.Holder
	model  *session.Model
}

func setup(t *testing.T, mutate func(*core.Deps)) *env {
	t.Helper()
	e := &env{
		reg:   command.NewRegistry(),
		model: session.New(session.Options{Default: access.User, Owners: []string{"console:root"}}),
	}
	e.holder = command.NewHolder(e.reg)
	deps := core.Deps{Registry: e.holder, Sessions: e.model, Prefix: "!"}
	if mutate != nil {
		mutate(&deps)
	}
	specs, err := core.New(deps).Register()
	require.NoError(t, err)
	for _, s := range specs {
		require.NoError(t, e.reg.Register(s))
	}
	return e
}

// run resolves and invokes a command as sender with the sender's room level.
func (e *env) run(t *testing.T, sender, name string, args ...string) string {
	t.Helper()
	spec, err := e.reg.Resolve(name)
	require.NoError(t, err)
	msg := chat.IncomingMessage{ID: "m", Backend: "console", Room: "local", Sender: sender}
	out, err := spec.Handler.Run(context.Background(), &command.Invocation{
		ID:      "i",
		Name:    name,
		Args:    args,
		Spec:    spec,
		Level:   e.model.Permission("console", "local", sender),
		Message: msg,
	})
	require.NoError(t, err)
	texts := make([]string, 0, len(out))
	for _, o := range out {
		texts = append(texts, o.Text)
	}
	return strings.Join(texts, "\n")
}

func TestCore_PingAndEcho(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)

	r.Equal("pong", e.run(t, "alice", "ping"))
	r.Equal("hello there", e.run(t, "alice", "say", "hello", "there"))
}

func TestCore_HelpListsOnlyAllowedCommands(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)

	// When
	asUser := e.run(t, "alice", "help")
	asOwner := e.run(t, "root", "help")

	// Then
	r.True(strings.HasPrefix(asUser, "Commands (prefix !):"))
	r.Contains(asUser, "core: ")
	r.Contains(asUser, "ping")
	r.NotContains(asUser, "reload")
	r.Contains(asOwner, "reload")
}

func TestCore_HelpForOneCommand(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)

	out := e.run(t, "alice", "help", "SAY")

	r.Contains(out, "echo (aliases: say) [level user, args 1+]")
	r.Contains(out, "echo <text...>")
	r.Equal(`No command named "nope".`, e.run(t, "alice", "help", "nope"))
}

func TestCore_GrantRules(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)

	// owner promotes alice
	r.Equal("alice is now admin.", e.run(t, "root", "grant", "alice", "admin"))
	r.Equal("alice already is admin.", e.run(t, "root", "grant", "alice", "admin"))
	r.Equal("alice is admin here.", e.run(t, "alice", "perm"))

	// alice cannot raise bob to her own level, nor herself
	r.Equal("Not allowed: you cannot set bob to admin.", e.run(t, "alice", "grant", "bob", "admin"))
	r.Equal("Not allowed: you cannot set alice to owner.", e.run(t, "alice", "grant", "alice", "owner"))
	r.Equal("bob is now trusted.", e.run(t, "alice", "grant", "bob", "trusted"))

	r.Equal(`Unknown level "boss". Levels: banned, guest, user, trusted, admin, owner.`, e.run(t, "alice", "grant", "bob", "boss"))
}

func TestCore_RevokeAndDefault(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)
	e.run(t, "root", "grant", "bob", "trusted")

	r.Equal("bob is back to the room default (user).", e.run(t, "root", "revoke", "bob"))
	r.Equal("bob has no explicit level here.", e.run(t, "root", "revoke", "bob"))

	r.Equal("Default level here is user.", e.run(t, "alice", "default"))
	r.Equal("Not allowed: you cannot set the default to guest.", e.run(t, "alice", "default", "guest"))
	r.Equal("Default level is now guest.", e.run(t, "root", "default", "guest"))
	r.Equal("carol is guest here.", e.run(t, "alice", "perm", "carol"))
}

func TestCore_MembersFallsBackToSeen(t *testing.T) {
	r := require.New(t)
	e := setup(t, func(d *core.Deps) {
		d.Members = func(context.Context, chat.RoomKey) ([]string, error) {
			return nil, errors.New("not supported")
		}
	})
	e.model.Observe(chat.IncomingMessage{Backend: "console", Room: "local", Sender: "zed"})
	e.model.Observe(chat.IncomingMessage{Backend: "console", Room: "local", Sender: "amy"})

	r.Equal("2 members: amy, zed", e.run(t, "amy", "members"))
}

func TestCore_History(t *testing.T) {
	r := require.New(t)
	at := time.Date(2024, 5, 6, 7, 8, 0, 0, time.Local)
	e := setup(t, func(d *core.Deps) {
		d.History = &fakeHistory{records: []storage.CommandHistoryRecord{
			{Username: "amy", Command: "play", Param: "a.mp3", Outcome: "ok", Datetime: at},
			{Username: "bob", Command: "stop", Outcome: "denied", Datetime: at.Add(time.Minute)},
		}}
	})

	out := e.run(t, "amy", "history")

	r.Equal("Recent commands:\n2024-05-06 07:09 bob: !stop (denied)\n2024-05-06 07:08 amy: !play a.mp3 (ok)", out)
}

func TestCore_StatusAndReload(t *testing.T) {
	r := require.New(t)
	e := setup(t, func(d *core.Deps) {
		d.Status = func() core.Status {
			return core.Status{
				Version:  "parley test",
				Started:  time.Now().Add(-time.Minute),
				Commands: 12,
				Adapters: []core.AdapterStatus{{ID: "console", Connected: true}, {ID: "xmpp", Reconnects: 2}},
			}
		}
		d.Reload = func() (int, []error) { return 12, []error{errors.New("load plugin x.lua: boom")} }
	})

	status := e.run(t, "root", "status")
	r.Contains(status, "parley test, up 1m0s, 12 commands")
	r.Contains(status, "Backends: console (connected), xmpp (down, 2 reconnects)")

	r.Equal("Reloaded 12 commands, 1 plugin error(s):\nload plugin x.lua: boom", e.run(t, "root", "reload"))
}

func TestCore_Rooms(t *testing.T) {
	r := require.New(t)
	e := setup(t, nil)
	e.model.Observe(chat.IncomingMessage{Backend: "console", Room: "local", Sender: "amy"})

	r.Equal("1 rooms:\nconsole:local default=user grants=0 members=1", e.run(t, "root", "rooms"))
}
