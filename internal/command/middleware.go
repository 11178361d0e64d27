package command

import (
	"context"

	"github.com/keshon/parley/internal/chat"
)

// Middleware wraps a handler (logging, permission check, rate limit).
type Middleware func(Handler) Handler

// Apply applies middlewares in order; the first in the list is the outermost.
func Apply(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Wrapped runs RunFunc in place of the inner handler. The inner handler stays
// reachable through Unwrap.
type Wrapped struct {
	Inner   Handler
	RunFunc func(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error)
}

func (w *Wrapped) Run(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error) {
	if w.RunFunc != nil {
		return w.RunFunc(ctx, inv)
	}
	return w.Inner.Run(ctx, inv)
}

// Unwrap returns the inner handler.
func (w *Wrapped) Unwrap() Handler { return w.Inner }

// Wrap returns a handler that runs run instead of h.
func Wrap(h Handler, run func(ctx context.Context, inv *Invocation) ([]chat.OutgoingMessage, error)) Handler {
	return &Wrapped{Inner: h, RunFunc: run}
}

// Root unwraps h until the underlying handler is reached.
func Root(h Handler) Handler {
	for {
		w, ok := h.(interface{ Unwrap() Handler })
		if !ok {
			return h
		}
		h = w.Unwrap()
	}
}
