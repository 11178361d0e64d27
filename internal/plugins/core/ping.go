package core

import (
	"context"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
)

type PingCommand struct{}

func (c *PingCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "ping",
		Description: "Check the bot is alive",
		Level:       access.Guest,
		Handler:     c,
	}
}

func (c *PingCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	return inv.Reply("pong"), nil
}

type EchoCommand struct{}

func (c *EchoCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "echo",
		Aliases:     []string{"say"},
		Description: "Repeat the arguments",
		Help:        "echo <text...>: repeat text back into the room",
		Level:       access.User,
		MinArgs:     1,
		MaxArgs:     command.Unbounded,
		Handler:     c,
	}
}

func (c *EchoCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	return inv.Reply(strings.Join(inv.Args, " ")), nil
}
