// Package middleware holds the gates every command passes through before
// its handler runs.
package middleware

import (
	"context"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
)

// WithPermissionCheck rejects callers whose level is below the command's.
func WithPermissionCheck() command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.Wrap(next, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
			if inv.Level < inv.Spec.Level {
				return nil, &command.PermissionError{
					Command:  inv.Spec.Name,
					Required: inv.Spec.Level,
					Actual:   inv.Level,
				}
			}
			return next.Run(ctx, inv)
		})
	}
}

// WithArityCheck rejects argument counts outside [MinArgs, MaxArgs].
func WithArityCheck() command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.Wrap(next, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
			if !inv.Spec.AcceptsArgs(len(inv.Args)) {
				return nil, &command.ArgumentError{
					Command: inv.Spec.Name,
					Got:     len(inv.Args),
					Arity:   inv.Spec.Arity(),
					Help:    inv.Spec.HelpText(),
				}
			}
			return next.Run(ctx, inv)
		})
	}
}
