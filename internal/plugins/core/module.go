// Package core provides the built-in commands: help, permissions, room
// information and bot maintenance.
package core

import (
	"context"
	"time"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/session"
	"github.com/keshon/parley/internal/storage"
	"github.com/samber/lo"
)

const ModuleName = "core"

type HistoryReader interface {
	FetchCommandHistory(key chat.RoomKey) ([]storage.CommandHistoryRecord, error)
}

type AdapterStatus struct {
	ID         string
	Connected  bool
	Reconnects int64
}

// Status is what the status command reports.
type Status struct {
	Version  string
	Started  time.Time
	Commands int
	Jobs     string
	Adapters []AdapterStatus
}

// Deps is everything the core commands read or change. Nil funcs disable
// the parts of a command that need them.
type Deps struct {
	Registry *command.Holder
	Sessions *session.Model
	History  HistoryReader
	Prefix   string
	Status   func() Status
	Reload   func() (int, []error)
	Members  func(ctx context.Context, key chat.RoomKey) ([]string, error)
}

type Module struct {
	deps Deps
}

func New(deps Deps) *Module {
	return &Module{deps: deps}
}

func (m *Module) Name() string { return ModuleName }

type specer interface {
	Spec() command.Spec
}

func (m *Module) Register() ([]command.Spec, error) {
	d := &m.deps
	cmds := []specer{
		&HelpCommand{deps: d},
		&PingCommand{},
		&EchoCommand{},
		&PermCommand{deps: d},
		&GrantCommand{deps: d},
		&RevokeCommand{deps: d},
		&DefaultCommand{deps: d},
		&MembersCommand{deps: d},
		&RoomsCommand{deps: d},
		&HistoryCommand{deps: d},
		&StatusCommand{deps: d},
		&ReloadCommand{deps: d},
	}
	return lo.Map(cmds, func(c specer, _ int) command.Spec {
		s := c.Spec()
		s.Module = ModuleName
		return s
	}), nil
}
