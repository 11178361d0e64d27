// Package xmpp connects the bot to an XMPP server: direct chats plus
// multi-user chat rooms joined at connect time.
package xmpp

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/parley/internal/chat"
	goxmpp "github.com/mattn/go-xmpp"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const ID = "xmpp"

type Config struct {
	Host     string
	User     string
	Password string
	Resource string
	Nick     string
	Rooms    []string
	NoTLS    bool
	StartTLS bool
	Debug    bool
}

type Transport struct {
	cfg Config

	mu      sync.Mutex
	client  *goxmpp.Client
	rooms   map[string]bool
	members map[string]map[string]bool
}

func New(cfg Config) *Transport {
	if cfg.Nick == "" {
		cfg.Nick = "parley"
	}
	if cfg.Resource == "" {
		cfg.Resource = "parley"
	}
	return &Transport{
		cfg:     cfg,
		rooms:   lo.SliceToMap(cfg.Rooms, func(r string) (string, bool) { return r, true }),
		members: map[string]map[string]bool{},
	}
}

func (t *Transport) Dial(ctx context.Context) error {
	opts := goxmpp.Options{
		Host:          t.cfg.Host,
		User:          t.cfg.User,
		Password:      t.cfg.Password,
		Resource:      t.cfg.Resource,
		NoTLS:         t.cfg.NoTLS,
		StartTLS:      t.cfg.StartTLS,
		Debug:         t.cfg.Debug,
		Session:       true,
		Status:        "chat",
		StatusMessage: "type !help",
	}
	client, err := opts.NewClient()
	if err != nil {
		return err
	}

	for _, room := range t.cfg.Rooms {
		if _, err := client.JoinMUCNoHistory(room, t.cfg.Nick); err != nil {
			_ = client.Close()
			return err
		}
		log.Info().Str("backend", ID).Str("room", room).Msg("joined room")
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.members = map[string]map[string]bool{}
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

type stanza struct {
	v   interface{}
	err error
}

func (t *Transport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("xmpp not dialed")
	}

	stanzas := make(chan stanza)
	go func() {
		for {
			v, err := client.Recv()
			select {
			case stanzas <- stanza{v: v, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-stanzas:
			if s.err != nil {
				return s.err
			}
			switch v := s.v.(type) {
			case goxmpp.Chat:
				if msg, ok := t.fromChat(v); ok {
					emit(msg)
				}
			case goxmpp.Presence:
				if msg, ok := t.fromPresence(v); ok {
					emit(msg)
				}
			}
		}
	}
}

func (t *Transport) fromChat(c goxmpp.Chat) (chat.IncomingMessage, bool) {
	if strings.TrimSpace(c.Text) == "" || !c.Stamp.IsZero() {
		// empty bodies are typing notifications; stamped ones are replayed history
		return chat.IncomingMessage{}, false
	}
	bare, resource := splitJID(c.Remote)
	msg := chat.IncomingMessage{
		ID:        uuid.NewString(),
		Backend:   ID,
		Text:      c.Text,
		Timestamp: time.Now(),
	}
	if c.Type == "groupchat" {
		if resource == "" || resource == t.cfg.Nick {
			return chat.IncomingMessage{}, false
		}
		msg.Room = bare
		msg.Sender = resource
		msg.SenderName = resource
		return msg, true
	}

	msg.Private = true
	msg.Room = bare
	msg.Sender = bare
	msg.SenderName = strings.SplitN(bare, "@", 2)[0]
	return msg, true
}

func (t *Transport) fromPresence(p goxmpp.Presence) (chat.IncomingMessage, bool) {
	room, nick := splitJID(p.From)
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.rooms[room] || nick == "" || nick == t.cfg.Nick {
		return chat.IncomingMessage{}, false
	}

	kind := chat.KindJoin
	members := t.members[room]
	if members == nil {
		members = map[string]bool{}
		t.members[room] = members
	}
	if p.Type == "unavailable" {
		kind = chat.KindLeave
		delete(members, nick)
	} else {
		if members[nick] {
			// status change of someone already present
			return chat.IncomingMessage{}, false
		}
		members[nick] = true
	}
	return chat.IncomingMessage{
		ID:         uuid.NewString(),
		Backend:    ID,
		Room:       room,
		Sender:     nick,
		SenderName: nick,
		Timestamp:  time.Now(),
		Kind:       kind,
	}, true
}

func (t *Transport) Deliver(_ context.Context, msg chat.OutgoingMessage) error {
	t.mu.Lock()
	client := t.client
	group := t.rooms[msg.Room]
	t.mu.Unlock()
	if client == nil {
		return errors.New("xmpp not dialed")
	}

	typ := "chat"
	if group {
		typ = "groupchat"
	}
	_, err := client.Send(goxmpp.Chat{Remote: msg.Room, Type: typ, Text: msg.Text})
	return err
}

func (t *Transport) Members(_ context.Context, room string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.rooms[room] {
		// a direct chat has exactly one other party
		return []string{room}, nil
	}
	out := lo.Keys(t.members[room])
	sort.Strings(out)
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// splitJID splits "room@conference.host/nick" into bare JID and resource.
func splitJID(jid string) (string, string) {
	if i := strings.Index(jid, "/"); i >= 0 {
		return jid[:i], jid[i+1:]
	}
	return jid, ""
}
