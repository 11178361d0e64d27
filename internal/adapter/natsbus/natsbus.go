// Package natsbus lets services talk to the bot over NATS. Inbound envelopes
// arrive on "<subject>.in"; replies go to "<subject>.out.<room>".
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/parley/internal/chat"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const ID = "nats"

// Envelope is the JSON body exchanged on the bus.
type Envelope struct {
	ID         string `json:"id,omitempty"`
	Room       string `json:"room"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
	Private    bool   `json:"private,omitempty"`
	// Kind is "", "join" or "leave".
	Kind    string `json:"kind,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type Config struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

type Transport struct {
	cfg Config

	mu      sync.Mutex
	nc      *nats.Conn
	closed  chan struct{}
	members map[string]map[string]bool
}

func New(cfg Config) *Transport {
	if cfg.Subject == "" {
		cfg.Subject = "parley"
	}
	if cfg.Name == "" {
		cfg.Name = "parley"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Transport{cfg: cfg, members: map[string]map[string]bool{}}
}

// InSubject is where clients publish envelopes for the bot.
func (t *Transport) InSubject() string { return t.cfg.Subject + ".in" }

// OutSubject is where the bot publishes replies for room.
func (t *Transport) OutSubject(room string) string { return t.cfg.Subject + ".out." + room }

func (t *Transport) Dial(ctx context.Context) error {
	closed := make(chan struct{})
	var once sync.Once
	nc, err := nats.Connect(t.cfg.URL,
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.Timeout),
		// the Link owns reconnection
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("backend", ID).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	old := t.nc
	t.nc = nc
	t.closed = closed
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (t *Transport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	t.mu.Lock()
	nc, closed := t.nc, t.closed
	t.mu.Unlock()
	if nc == nil {
		return errors.New("nats not dialed")
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(t.InSubject(), msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.InSubject(), err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nats.ErrConnectionClosed
		case m := <-msgs:
			var env Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				log.Warn().Err(err).Str("backend", ID).Msg("dropping malformed envelope")
				continue
			}
			if env.Room == "" || env.Sender == "" {
				log.Warn().Str("backend", ID).Msg("dropping envelope without room or sender")
				continue
			}
			emit(t.toMessage(env))
		}
	}
}

func (t *Transport) toMessage(env Envelope) chat.IncomingMessage {
	kind := chat.KindText
	switch env.Kind {
	case "join":
		kind = chat.KindJoin
	case "leave":
		kind = chat.KindLeave
	}

	t.mu.Lock()
	room := t.members[env.Room]
	if room == nil {
		room = map[string]bool{}
		t.members[env.Room] = room
	}
	if kind == chat.KindLeave {
		delete(room, env.Sender)
	} else {
		room[env.Sender] = true
	}
	t.mu.Unlock()

	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}
	return chat.IncomingMessage{
		ID:         id,
		Backend:    ID,
		Room:       env.Room,
		Sender:     env.Sender,
		SenderName: env.SenderName,
		Text:       env.Text,
		Timestamp:  time.Now(),
		Private:    env.Private,
		Kind:       kind,
	}
}

func (t *Transport) Deliver(_ context.Context, msg chat.OutgoingMessage) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return nats.ErrConnectionClosed
	}

	data, err := json.Marshal(Envelope{Room: msg.Room, Text: msg.Text, ReplyTo: msg.ReplyTo})
	if err != nil {
		return err
	}
	if err := nc.Publish(t.OutSubject(msg.Room), data); err != nil {
		return err
	}
	return nc.FlushTimeout(t.cfg.Timeout)
}

// Members returns the senders seen in room that have not left.
func (t *Transport) Members(_ context.Context, room string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := lo.Keys(t.members[room])
	sort.Strings(out)
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}
