package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/rs/zerolog/log"
)

type MembersCommand struct {
	deps *Deps
}

func (c *MembersCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "members",
		Aliases:     []string{"who"},
		Description: "List who is in this room",
		Level:       access.User,
		Handler:     c,
	}
}

func (c *MembersCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	key := inv.Message.Key()
	var members []string
	if c.deps.Members != nil {
		m, err := c.deps.Members(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("room", key.String()).Msg("backend member query failed, using seen members")
		} else {
			members = m
		}
	}
	if members == nil {
		members = c.deps.Sessions.Members(key)
	}
	if len(members) == 0 {
		return inv.Reply("Nobody seen here yet."), nil
	}
	return inv.Replyf("%d members: %s", len(members), strings.Join(members, ", ")), nil
}

type RoomsCommand struct {
	deps *Deps
}

func (c *RoomsCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "rooms",
		Description: "List rooms the bot has seen",
		Level:       access.Trusted,
		Handler:     c,
	}
}

func (c *RoomsCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	rooms := c.deps.Sessions.Rooms()
	if len(rooms) == 0 {
		return inv.Reply("No rooms yet."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rooms:", len(rooms))
	for _, r := range rooms {
		fmt.Fprintf(&b, "\n%s default=%s grants=%d members=%d", r.Key, r.Default, len(r.Grants), r.Members)
	}
	return inv.Reply(b.String()), nil
}
