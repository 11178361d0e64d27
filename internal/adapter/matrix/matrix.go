// Package matrix connects the bot to a Matrix homeserver. Invites are
// accepted automatically; rooms with two members count as private.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/chat"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const ID = "matrix"

type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Password    string
	Rooms       []string
}

type Transport struct {
	cfg Config

	mu     sync.Mutex
	client *mautrix.Client
	emit   func(chat.IncomingMessage)
	sizes  map[id.RoomID]int
}

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, sizes: map[id.RoomID]int{}}
}

func (t *Transport) Dial(ctx context.Context) error {
	client, err := mautrix.NewClient(t.cfg.Homeserver, id.UserID(t.cfg.UserID), t.cfg.AccessToken)
	if err != nil {
		return err
	}
	if t.cfg.AccessToken == "" {
		_, err := client.Login(ctx, &mautrix.ReqLogin{
			Type:             mautrix.AuthTypePassword,
			Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: t.cfg.UserID},
			Password:         t.cfg.Password,
			StoreCredentials: true,
		})
		if err != nil {
			return fmt.Errorf("login as %s: %w", t.cfg.UserID, err)
		}
		// reuse the token on reconnect
		t.cfg.AccessToken = client.AccessToken
	}

	for _, room := range t.cfg.Rooms {
		if _, err := client.JoinRoomByID(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		t.onMessage(ctx, client, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		t.onMember(ctx, client, evt)
	})

	t.mu.Lock()
	old := t.client
	t.client = client
	t.sizes = map[id.RoomID]int{}
	t.mu.Unlock()
	if old != nil {
		old.StopSync()
	}
	return nil
}

func (t *Transport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	t.mu.Lock()
	client := t.client
	t.emit = emit
	t.mu.Unlock()
	if client == nil {
		return errors.New("matrix not dialed")
	}
	defer func() {
		t.mu.Lock()
		t.emit = nil
		t.mu.Unlock()
	}()
	return client.SyncWithContext(ctx)
}

func (t *Transport) send(msg chat.IncomingMessage) {
	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit != nil {
		emit(msg)
	}
}

func (t *Transport) onMessage(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	if evt.Sender == client.UserID {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || content.Body == "" {
		return
	}
	t.send(chat.IncomingMessage{
		ID:         evt.ID.String(),
		Backend:    ID,
		Room:       evt.RoomID.String(),
		Sender:     evt.Sender.String(),
		SenderName: evt.Sender.Localpart(),
		Text:       content.Body,
		Timestamp:  time.UnixMilli(evt.Timestamp),
		Private:    t.roomSize(ctx, client, evt.RoomID) == 2,
	})
}

func (t *Transport) onMember(ctx context.Context, client *mautrix.Client, evt *event.Event) {
	content := evt.Content.AsMember()
	target := id.UserID(evt.GetStateKey())

	if target == client.UserID {
		if content.Membership == event.MembershipInvite {
			if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
				log.Warn().Err(err).Str("backend", ID).Str("room", evt.RoomID.String()).Msg("accept invite")
				return
			}
			log.Info().Str("backend", ID).Str("room", evt.RoomID.String()).Msg("joined on invite")
		}
		return
	}

	var kind chat.Kind
	switch content.Membership {
	case event.MembershipJoin:
		kind = chat.KindJoin
	case event.MembershipLeave, event.MembershipBan:
		kind = chat.KindLeave
	default:
		return
	}

	t.mu.Lock()
	delete(t.sizes, evt.RoomID)
	t.mu.Unlock()

	t.send(chat.IncomingMessage{
		ID:         evt.ID.String(),
		Backend:    ID,
		Room:       evt.RoomID.String(),
		Sender:     target.String(),
		SenderName: target.Localpart(),
		Timestamp:  time.UnixMilli(evt.Timestamp),
		Kind:       kind,
	})
}

// roomSize caches the joined member count used to tell direct chats apart.
func (t *Transport) roomSize(ctx context.Context, client *mautrix.Client, room id.RoomID) int {
	t.mu.Lock()
	n, ok := t.sizes[room]
	t.mu.Unlock()
	if ok {
		return n
	}
	resp, err := client.JoinedMembers(ctx, room)
	if err != nil {
		log.Debug().Err(err).Str("backend", ID).Str("room", room.String()).Msg("joined members")
		return 0
	}
	n = len(resp.Joined)
	t.mu.Lock()
	t.sizes[room] = n
	t.mu.Unlock()
	return n
}

func (t *Transport) Deliver(ctx context.Context, msg chat.OutgoingMessage) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return errors.New("matrix not dialed")
	}
	_, err := client.SendText(ctx, id.RoomID(msg.Room), msg.Text)
	if errors.Is(err, mautrix.MLimitExceeded) {
		return fmt.Errorf("%w: %v", adapter.ErrThrottled, err)
	}
	return err
}

func (t *Transport) Members(ctx context.Context, room string) ([]string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil, errors.New("matrix not dialed")
	}
	resp, err := client.JoinedMembers(ctx, id.RoomID(room))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Joined))
	for uid := range resp.Joined {
		out = append(out, uid.String())
	}
	sort.Strings(out)
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client != nil {
		client.StopSync()
	}
	return nil
}
