package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/storage"
	"github.com/rs/zerolog/log"
)

// HistoryRecorder stores executed commands per room.
type HistoryRecorder interface {
	AppendCommandToHistory(key chat.RoomKey, record storage.CommandHistoryRecord) error
}

// WithCommandLogger logs every invocation and, when history is not nil,
// records it for the room.
func WithCommandLogger(history HistoryRecorder) command.Middleware {
	return func(next command.Handler) command.Handler {
		return command.Wrap(next, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
			start := time.Now()
			out, err := next.Run(ctx, inv)
			outcome := Outcome(err)

			evt := log.Info()
			if err != nil {
				evt = log.Warn().Err(err)
			}
			evt.Str("invocation", inv.ID).
				Str("backend", inv.Message.Backend).
				Str("room", inv.Message.Room).
				Str("sender", inv.Message.Sender).
				Str("command", inv.Spec.Name).
				Strs("args", inv.Args).
				Dur("took", time.Since(start)).
				Str("outcome", outcome).
				Msg("command")

			if history != nil {
				rec := storage.CommandHistoryRecord{
					Backend:  inv.Message.Backend,
					Room:     inv.Message.Room,
					UserID:   inv.Message.Sender,
					Username: inv.Message.DisplayName(),
					Command:  inv.Spec.Name,
					Param:    strings.Join(inv.Args, " "),
					Outcome:  outcome,
					Datetime: start,
				}
				if e := history.AppendCommandToHistory(inv.Message.Key(), rec); e != nil {
					log.Warn().Err(e).Str("command", inv.Spec.Name).Msg("failed to record command")
				}
			}
			return out, err
		})
	}
}

// Outcome names the result of an invocation for logs and history.
func Outcome(err error) string {
	var (
		perm    *command.PermissionError
		arg     *command.ArgumentError
		limited *command.RateLimitError
		timeout *command.TimeoutError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &perm):
		return "denied"
	case errors.As(err, &arg):
		return "usage"
	case errors.As(err, &limited):
		return "rate-limited"
	case errors.As(err, &timeout):
		return "timeout"
	default:
		return "error"
	}
}
