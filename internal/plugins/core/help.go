package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/config"
	"github.com/samber/lo"
)

type HelpCommand struct {
	deps *Deps
}

func (c *HelpCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "help",
		Aliases:     []string{"h", "commands"},
		Description: "List commands or show help for one",
		Help:        "help [command]: list the commands you may run, or describe one",
		Level:       access.Guest,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *HelpCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	reg := c.deps.Registry.Current()
	if len(inv.Args) == 1 {
		spec, err := reg.Resolve(inv.Args[0])
		if err != nil {
			return inv.Replyf("No command named %q.", inv.Args[0]), nil
		}
		return inv.Reply(Describe(spec)), nil
	}

	allowed := lo.Filter(reg.List(), func(s *command.Spec, _ int) bool { return s.Level <= inv.Level })
	if len(allowed) == 0 {
		return inv.Reply("No commands available to you."), nil
	}
	return inv.Reply(Overview(allowed, c.deps.Prefix)), nil
}

// Describe renders one command for help output.
func Describe(s *command.Spec) string {
	var b strings.Builder
	b.WriteString(s.Name)
	if len(s.Aliases) > 0 {
		fmt.Fprintf(&b, " (aliases: %s)", strings.Join(s.Aliases, ", "))
	}
	fmt.Fprintf(&b, " [level %s, args %s]", s.Level, s.Arity())
	if text := s.HelpText(); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
	}
	return b.String()
}

// Overview groups commands by module, in module weight order.
func Overview(specs []*command.Spec, prefix string) string {
	groups := lo.GroupBy(specs, func(s *command.Spec) string { return s.Module })
	modules := lo.Keys(groups)
	sort.Slice(modules, func(i, j int) bool {
		wi, wj := config.ModuleWeight(modules[i]), config.ModuleWeight(modules[j])
		if wi != wj {
			return wi < wj
		}
		return modules[i] < modules[j]
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Commands (prefix %s):", prefix)
	for _, mod := range modules {
		names := lo.Map(groups[mod], func(s *command.Spec, _ int) string { return s.Name })
		sort.Strings(names)
		label := mod
		if label == "" {
			label = "other"
		}
		fmt.Fprintf(&b, "\n%s: %s", label, strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "\nType %shelp <command> for details.", prefix)
	return b.String()
}
