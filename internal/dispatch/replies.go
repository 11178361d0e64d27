package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keshon/parley/internal/command"
)

// ErrorText renders a dispatch error as the reply shown in the room.
func (d *Dispatcher) ErrorText(err error) string {
	var (
		parseErr *command.ParseError
		notFound *command.NotFoundError
		perm     *command.PermissionError
		argErr   *command.ArgumentError
		limited  *command.RateLimitError
		timeout  *command.TimeoutError
		handler  *command.HandlerError
	)
	switch {
	case errors.As(err, &parseErr):
		return fmt.Sprintf("Could not parse command: %v.", parseErr.Err)
	case errors.As(err, &notFound):
		return fmt.Sprintf("Unknown command %q. Try %shelp.", notFound.Name, d.opts.Prefix)
	case errors.As(err, &perm):
		return fmt.Sprintf("Permission denied: %s requires %s, you are %s.", perm.Command, perm.Required, perm.Actual)
	case errors.As(err, &argErr):
		var b strings.Builder
		fmt.Fprintf(&b, "%s expects %s argument(s), got %d.", argErr.Command, argErr.Arity, argErr.Got)
		if argErr.Help != "" {
			b.WriteString("\n")
			b.WriteString(argErr.Help)
		}
		return b.String()
	case errors.As(err, &limited):
		retry := limited.Retry.Round(time.Second)
		if retry < time.Second {
			retry = time.Second
		}
		return fmt.Sprintf("Slow down, try again in %s.", retry)
	case errors.As(err, &timeout):
		return fmt.Sprintf("%s timed out after %s.", timeout.Command, timeout.After)
	case errors.As(err, &handler):
		if d.opts.ReplyErrorDetails {
			return fmt.Sprintf("%s failed: %v", handler.Command, handler.Err)
		}
		return fmt.Sprintf("%s failed.", handler.Command)
	default:
		if d.opts.ReplyErrorDetails {
			return "Error: " + err.Error()
		}
		return "Something went wrong."
	}
}
