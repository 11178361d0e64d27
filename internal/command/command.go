// Package command provides the transport-agnostic command core: a Spec names a
// handler and the gates (permission, arity) the dispatcher applies before
// running it. How messages reach a command is defined by the dispatcher.
package command

import (
	"context"
	"fmt"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
)

// Unbounded as MaxArgs means the command takes any number of trailing arguments.
const Unbounded = -1

// Handler runs a command for one invocation.
type Handler interface {
	Run(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error)

func (f HandlerFunc) Run(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error) {
	return f(ctx, inv)
}

// Spec is the registration record of a command. One permission level applies
// to the name and every alias.
type Spec struct {
	Name        string
	Aliases     []string
	Description string
	Help        string
	Level       access.Level
	MinArgs     int
	MaxArgs     int
	Module      string
	Source      string
	Handler     Handler
}

// Names returns the primary name followed by the aliases.
func (s *Spec) Names() []string {
	return append([]string{s.Name}, s.Aliases...)
}

// AcceptsArgs reports whether n arguments fall within [MinArgs, MaxArgs].
func (s *Spec) AcceptsArgs(n int) bool {
	if n < s.MinArgs {
		return false
	}
	return s.MaxArgs == Unbounded || n <= s.MaxArgs
}

// Arity renders the accepted argument count, e.g. "1", "0..2" or "1+".
func (s *Spec) Arity() string {
	switch {
	case s.MaxArgs == Unbounded:
		return fmt.Sprintf("%d+", s.MinArgs)
	case s.MinArgs == s.MaxArgs:
		return fmt.Sprintf("%d", s.MinArgs)
	default:
		return fmt.Sprintf("%d..%d", s.MinArgs, s.MaxArgs)
	}
}

// HelpText returns Help, falling back to Description.
func (s *Spec) HelpText() string {
	if s.Help != "" {
		return s.Help
	}
	return s.Description
}

// Invocation is the transient record of one dispatch of a command.
type Invocation struct {
	ID      string
	Name    string
	Args    []string
	Spec    *Spec
	Level   access.Level
	Message chat.IncomingMessage
}

// Reply addresses each text at the room the invocation came from.
func (inv *Invocation) Reply(texts ...string) []chat.OutgoingMessage {
	out := make([]chat.OutgoingMessage, 0, len(texts))
	for _, t := range texts {
		out = append(out, chat.Reply(inv.Message, t))
	}
	return out
}

// Replyf is Reply with formatting.
func (inv *Invocation) Replyf(format string, a ...any) []chat.OutgoingMessage {
	return inv.Reply(fmt.Sprintf(format, a...))
}
