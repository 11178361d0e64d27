package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/pkg/util"
)

type HistoryCommand struct {
	deps *Deps
}

func (c *HistoryCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "history",
		Aliases:     []string{"log"},
		Description: "Review recent commands in this room",
		Level:       access.User,
		Handler:     c,
	}
}

func (c *HistoryCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	if c.deps.History == nil {
		return inv.Reply("History is not recorded."), nil
	}
	records, err := c.deps.History.FetchCommandHistory(inv.Message.Key())
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if len(records) == 0 {
		return inv.Reply("No commands recorded here."), nil
	}

	var b strings.Builder
	b.WriteString("Recent commands:")
	// latest first
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		line := r.Command
		if r.Param != "" {
			line += " " + r.Param
		}
		fmt.Fprintf(&b, "\n%s %s: %s%s (%s)",
			util.FormatTimeTpl(r.Datetime, "YYYY-MM-DD hh:mm"), r.Username, c.deps.Prefix, line, r.Outcome)
	}
	return inv.Reply(b.String()), nil
}
