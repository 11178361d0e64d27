package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
)

type StatusCommand struct {
	deps *Deps
}

func (c *StatusCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "status",
		Aliases:     []string{"about"},
		Description: "Show version, uptime and backend state",
		Level:       access.Trusted,
		Handler:     c,
	}
}

func (c *StatusCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	if c.deps.Status == nil {
		return inv.Reply("Status unavailable."), nil
	}
	st := c.deps.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "%s, up %s, %d commands", st.Version, time.Since(st.Started).Round(time.Second), st.Commands)
	if len(st.Adapters) > 0 {
		parts := make([]string, 0, len(st.Adapters))
		for _, a := range st.Adapters {
			state := "connected"
			if !a.Connected {
				state = "down"
			}
			if a.Reconnects > 0 {
				state += fmt.Sprintf(", %d reconnects", a.Reconnects)
			}
			parts = append(parts, fmt.Sprintf("%s (%s)", a.ID, state))
		}
		fmt.Fprintf(&b, "\nBackends: %s", strings.Join(parts, ", "))
	}
	if st.Jobs != "" {
		b.WriteString("\n")
		b.WriteString(st.Jobs)
	}
	return inv.Reply(b.String()), nil
}

type ReloadCommand struct {
	deps *Deps
}

func (c *ReloadCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "reload",
		Description: "Reload plugins and swap the command set",
		Level:       access.Owner,
		Handler:     c,
	}
}

func (c *ReloadCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	if c.deps.Reload == nil {
		return inv.Reply("Reload is not available."), nil
	}
	n, errs := c.deps.Reload()
	if len(errs) == 0 {
		return inv.Replyf("Reloaded %d commands.", n), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reloaded %d commands, %d plugin error(s):", n, len(errs))
	for _, err := range errs {
		b.WriteString("\n")
		b.WriteString(err.Error())
	}
	return inv.Reply(b.String()), nil
}
