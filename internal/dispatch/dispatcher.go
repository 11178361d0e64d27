// Package dispatch turns incoming chat messages into command invocations and
// delivers their replies. Messages of one (backend, room) are handled in
// order; different rooms proceed concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/middleware"
	"github.com/keshon/parley/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the phase a message is in while being dispatched.
type State int

const (
	Idle State = iota
	Parsing
	Authorizing
	Invoking
	Replying
)

func (s State) String() string {
	switch s {
	case Parsing:
		return "parsing"
	case Authorizing:
		return "authorizing"
	case Invoking:
		return "invoking"
	case Replying:
		return "replying"
	default:
		return "idle"
	}
}

type Options struct {
	Prefix          string
	PrivateNoPrefix bool
	// Timeout bounds one handler call. Zero means no limit.
	Timeout           time.Duration
	ReplyErrorDetails bool
	// Middlewares wrap every command outside the built-in gates; the first
	// is outermost.
	Middlewares []command.Middleware
	// Limiter enables the per-sender rate gate when set.
	Limiter *middleware.SenderLimiter
	// OnDeliveryFailure is told about every reply that could not be sent.
	OnDeliveryFailure func(msg chat.OutgoingMessage, err error)
}

type Dispatcher struct {
	registry *command.Holder
	model    *session.Model
	opts     Options
	gates    []command.Middleware

	mu       sync.Mutex
	adapters map[string]adapter.Adapter
	queues   map[chat.RoomKey]*roomQueue
	inflight sync.WaitGroup
}

func New(registry *command.Holder, model *session.Model, opts Options) *Dispatcher {
	gates := append([]command.Middleware{}, opts.Middlewares...)
	gates = append(gates, middleware.WithPermissionCheck(), middleware.WithArityCheck())
	if opts.Limiter != nil {
		gates = append(gates, middleware.WithRateLimit(opts.Limiter))
	}
	return &Dispatcher{
		registry: registry,
		model:    model,
		opts:     opts,
		gates:    gates,
		adapters: make(map[string]adapter.Adapter),
		queues:   make(map[chat.RoomKey]*roomQueue),
	}
}

// AddAdapter makes a backend available for replies and, once Run starts,
// as a message source.
func (d *Dispatcher) AddAdapter(a adapter.Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[a.ID()] = a
}

// Adapters returns the registered adapters sorted by ID.
func (d *Dispatcher) Adapters() []adapter.Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]adapter.Adapter, 0, len(d.adapters))
	for _, a := range d.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (d *Dispatcher) adapter(id string) (adapter.Adapter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.adapters[id]
	return a, ok
}

// Run feeds every adapter's stream into the room queues until ctx is done,
// then waits for queued messages to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, a := range d.Adapters() {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			in := a.Receive(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						return
					}
					d.Submit(ctx, msg)
				}
			}
		}(a)
	}
	wg.Wait()
	d.Wait()
	return nil
}

// Wait blocks until every submitted message has been handled.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Handle runs the whole dispatch cycle for msg synchronously, replies
// included.
func (d *Dispatcher) Handle(ctx context.Context, msg chat.IncomingMessage) {
	c := d.newCycle(msg)
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("dispatch crashed")
		}
		c.enter(Idle)
	}()

	replies := d.process(ctx, c)
	if len(replies) == 0 {
		return
	}
	c.enter(Replying)
	d.deliver(ctx, c, replies)
}

// Process runs Parsing through Invoking and returns the replies without
// sending them.
func (d *Dispatcher) Process(ctx context.Context, msg chat.IncomingMessage) []chat.OutgoingMessage {
	return d.process(ctx, d.newCycle(msg))
}

type cycle struct {
	id    string
	msg   chat.IncomingMessage
	state State
	// command is the parsed name, empty until Parsing succeeds.
	command string
	log     zerolog.Logger
}

func (d *Dispatcher) newCycle(msg chat.IncomingMessage) *cycle {
	id := uuid.NewString()
	return &cycle{
		id:  id,
		msg: msg,
		log: log.With().
			Str("invocation", id).
			Str("backend", msg.Backend).
			Str("room", msg.Room).
			Str("sender", msg.Sender).
			Logger(),
	}
}

func (c *cycle) enter(s State) {
	c.state = s
	c.log.Trace().Stringer("state", s).Msg("dispatch")
}

// process turns a panic anywhere in a command's cycle (gates, lookup or
// history included) into a HandlerError reply.
func (d *Dispatcher) process(ctx context.Context, c *cycle) (out []chat.OutgoingMessage) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		c.log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Stringer("state", c.state).Msg("dispatch crashed")
		if c.command != "" {
			out = d.fail(c, &command.HandlerError{Command: c.command, Err: fmt.Errorf("%v", p), Panic: true})
		}
	}()

	msg := c.msg
	if d.model != nil {
		d.model.Observe(msg)
	}
	if msg.Kind != chat.KindText {
		return nil
	}

	c.enter(Parsing)
	name, args, ok, err := Parse(msg, d.opts.Prefix, d.opts.PrivateNoPrefix)
	if !ok {
		return nil
	}
	if err != nil {
		return d.fail(c, err)
	}
	c.command = name
	spec, err := d.registry.Current().Resolve(name)
	if err != nil {
		return d.fail(c, err)
	}
	c.log = c.log.With().Str("command", spec.Name).Logger()

	c.enter(Authorizing)
	inv := &command.Invocation{
		ID:      c.id,
		Name:    name,
		Args:    args,
		Spec:    spec,
		Level:   d.level(msg),
		Message: msg,
	}

	c.enter(Invoking)
	h := command.Apply(d.guard(spec), d.gates...)
	out, err = h.Run(ctx, inv)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return d.fail(c, err)
	}
	return out
}

func (d *Dispatcher) level(msg chat.IncomingMessage) access.Level {
	if d.model == nil {
		return access.Guest
	}
	return d.model.Permission(msg.Backend, msg.Room, msg.Sender)
}

// guard runs the command's own handler under the timeout and turns panics
// and plain errors into HandlerError.
func (d *Dispatcher) guard(spec *command.Spec) command.Handler {
	return command.Wrap(spec.Handler, func(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
		if d.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
			defer cancel()
		}

		type result struct {
			out []chat.OutgoingMessage
			err error
		}
		done := make(chan result, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error().
						Str("invocation", inv.ID).
						Str("command", spec.Name).
						Interface("panic", p).
						Str("stack", string(debug.Stack())).
						Msg("handler panicked")
					done <- result{err: &command.HandlerError{Command: spec.Name, Err: fmt.Errorf("%v", p), Panic: true}}
				}
			}()
			out, err := spec.Handler.Run(ctx, inv)
			done <- result{out: out, err: err}
		}()

		select {
		case res := <-done:
			if res.err == nil || isDispatchError(res.err) {
				return res.out, res.err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &command.TimeoutError{Command: spec.Name, After: d.opts.Timeout}
			}
			return nil, &command.HandlerError{Command: spec.Name, Err: res.err}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn().Str("invocation", inv.ID).Str("command", spec.Name).Dur("after", d.opts.Timeout).Msg("handler abandoned")
				return nil, &command.TimeoutError{Command: spec.Name, After: d.opts.Timeout}
			}
			return nil, ctx.Err()
		}
	})
}

func isDispatchError(err error) bool {
	var (
		argErr  *command.ArgumentError
		perm    *command.PermissionError
		handler *command.HandlerError
		timeout *command.TimeoutError
		limited *command.RateLimitError
	)
	return errors.As(err, &argErr) || errors.As(err, &perm) || errors.As(err, &handler) ||
		errors.As(err, &timeout) || errors.As(err, &limited)
}

func (d *Dispatcher) fail(c *cycle, err error) []chat.OutgoingMessage {
	c.log.Debug().Err(err).Stringer("state", c.state).Msg("dispatch failed")
	return []chat.OutgoingMessage{chat.Reply(c.msg, d.ErrorText(err))}
}

func (d *Dispatcher) deliver(ctx context.Context, c *cycle, replies []chat.OutgoingMessage) {
	for _, out := range replies {
		if out.Backend == "" {
			out.Backend = c.msg.Backend
		}
		if out.Room == "" {
			out.Room = c.msg.Room
		}
		if out.Text == "" {
			continue
		}

		var err error
		if a, ok := d.adapter(out.Backend); ok {
			err = a.Send(ctx, out)
		} else {
			err = &adapter.DeliveryError{Backend: out.Backend, Room: out.Room, Err: adapter.ErrUnknownBackend}
		}
		if err == nil {
			continue
		}
		c.log.Warn().Err(err).Str("target", out.Backend+":"+out.Room).Msg("reply not delivered")
		if d.opts.OnDeliveryFailure != nil {
			d.opts.OnDeliveryFailure(out, err)
		}
	}
}
