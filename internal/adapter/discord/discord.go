// Package discord connects the bot to Discord over the gateway. Direct
// messages are private; guild channels are rooms.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/chat"
	"github.com/rs/zerolog/log"
)

const ID = "discord"

type Config struct {
	Token             string
	BlacklistedGuilds []string
}

type Transport struct {
	cfg Config

	mu     sync.Mutex
	dg     *discordgo.Session
	lost   chan struct{}
	emit   func(chat.IncomingMessage)
	remove []func()
}

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

func (t *Transport) Dial(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + t.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	// the Link owns reconnection
	dg.ShouldReconnectOnError = false

	lost := make(chan struct{})
	var once sync.Once
	remove := []func(){
		dg.AddHandler(t.onReady),
		dg.AddHandler(t.onMessageCreate),
		dg.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			once.Do(func() { close(lost) })
		}),
	}

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}

	t.mu.Lock()
	old, oldRemove := t.dg, t.remove
	t.dg, t.lost, t.remove = dg, lost, remove
	t.mu.Unlock()
	if old != nil {
		for _, rm := range oldRemove {
			rm()
		}
		_ = old.Close()
	}
	return nil
}

func (t *Transport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	t.mu.Lock()
	if t.dg == nil {
		t.mu.Unlock()
		return errors.New("discord not dialed")
	}
	lost := t.lost
	t.emit = emit
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.emit = nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lost:
		return errors.New("gateway connection lost")
	}
}

// onReady leaves any blacklisted guilds on startup.
func (t *Transport) onReady(s *discordgo.Session, r *discordgo.Ready) {
	for _, g := range r.Guilds {
		if !slices.Contains(t.cfg.BlacklistedGuilds, g.ID) {
			continue
		}
		log.Info().Str("backend", ID).Str("guild", g.ID).Msg("leaving blacklisted guild")
		if err := s.GuildLeave(g.ID); err != nil {
			log.Error().Err(err).Str("backend", ID).Str("guild", g.ID).Msg("leave guild")
		}
	}
}

func (t *Transport) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	if slices.Contains(t.cfg.BlacklistedGuilds, m.GuildID) {
		return
	}

	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit == nil {
		return
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	emit(chat.IncomingMessage{
		ID:         m.ID,
		Backend:    ID,
		Room:       m.ChannelID,
		Sender:     m.Author.ID,
		SenderName: name,
		Text:       m.Content,
		Timestamp:  m.Timestamp,
		Private:    m.GuildID == "",
	})
}

func (t *Transport) Deliver(_ context.Context, msg chat.OutgoingMessage) error {
	t.mu.Lock()
	dg := t.dg
	t.mu.Unlock()
	if dg == nil {
		return errors.New("discord not dialed")
	}

	_, err := dg.ChannelMessageSend(msg.Room, msg.Text)
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", adapter.ErrThrottled, err)
	}
	return err
}

// Members lists the guild members that can see the channel's guild; a DM
// channel lists its recipients.
func (t *Transport) Members(_ context.Context, room string) ([]string, error) {
	t.mu.Lock()
	dg := t.dg
	t.mu.Unlock()
	if dg == nil {
		return nil, errors.New("discord not dialed")
	}

	ch, err := dg.State.Channel(room)
	if err != nil {
		if ch, err = dg.Channel(room); err != nil {
			return nil, err
		}
	}
	var out []string
	if ch.GuildID == "" {
		for _, u := range ch.Recipients {
			out = append(out, u.Username)
		}
		return out, nil
	}

	members, err := dg.GuildMembers(ch.GuildID, "", 1000)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.User != nil {
			out = append(out, m.User.Username)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	dg := t.dg
	t.dg = nil
	t.mu.Unlock()
	if dg == nil {
		return nil
	}
	return dg.Close()
}
