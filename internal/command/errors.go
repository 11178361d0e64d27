package command

import (
	"fmt"
	"time"

	"github.com/keshon/parley/internal/access"
)

// DuplicateAliasError is returned by Register when a name or alias is taken.
type DuplicateAliasError struct {
	Alias    string
	Existing string
	Incoming string
}

func (e *DuplicateAliasError) Error() string {
	return fmt.Sprintf("alias %q of command %q is already registered by %q", e.Alias, e.Incoming, e.Existing)
}

// InvalidSpecError is returned by Register for malformed specs.
type InvalidSpecError struct {
	Name   string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid command %q: %s", e.Name, e.Reason)
}

// NotFoundError is returned by Resolve on a miss.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// ParseError reports text that looked like a command but could not be tokenized.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %v", e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PermissionError means the caller's level is below the command's.
type PermissionError struct {
	Command  string
	Required access.Level
	Actual   access.Level
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("command %q requires level %s, caller has %s", e.Command, e.Required, e.Actual)
}

// ArgumentError means the argument count is outside the accepted range.
type ArgumentError struct {
	Command string
	Got     int
	Arity   string
	Help    string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("command %q takes %s arguments, got %d", e.Command, e.Arity, e.Got)
}

// RateLimitError means the sender issued commands faster than allowed.
type RateLimitError struct {
	Sender string
	Retry  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sender %q is rate limited, retry in %s", e.Sender, e.Retry.Round(time.Second))
}

// HandlerError wraps a failure raised by a handler, panics included.
type HandlerError struct {
	Command string
	Err     error
	Panic   bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("command %q panicked: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError means the handler overran its time limit and was abandoned.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.After)
}
