// Package bot owns every long-lived part of a running instance and wires
// them together: storage, sessions, the command registry and its loader,
// the dispatcher, the protocol adapters and the optional media center.
package bot

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/adapter/console"
	"github.com/keshon/parley/internal/adapter/discord"
	"github.com/keshon/parley/internal/adapter/matrix"
	"github.com/keshon/parley/internal/adapter/natsbus"
	"github.com/keshon/parley/internal/adapter/xmpp"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/config"
	"github.com/keshon/parley/internal/dispatch"
	"github.com/keshon/parley/internal/kodi"
	"github.com/keshon/parley/internal/middleware"
	"github.com/keshon/parley/internal/plugin"
	"github.com/keshon/parley/internal/plugins/core"
	"github.com/keshon/parley/internal/plugins/media"
	"github.com/keshon/parley/internal/session"
	"github.com/keshon/parley/internal/storage"
	"github.com/keshon/parley/internal/version"
	"github.com/keshon/parley/pkg/jobmgr"
	"github.com/keshon/parley/pkg/retrylimit"
	"github.com/keshon/parley/pkg/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Bot struct {
	cfg *config.Config

	store      *storage.Storage
	sessions   *session.Model
	registry   *command.Holder
	loader     *plugin.Loader
	dispatcher *dispatch.Dispatcher
	links      []*adapter.Link
	kodi       *kodi.Client
	jobs       *jobmgr.Manager

	consoleIn  io.Reader
	consoleOut io.Writer
	transports map[string]adapter.Transport

	reloadMu sync.Mutex
	stopOnce sync.Once
	started  time.Time
}

type Option func(*Bot)

// WithConsole replaces stdin/stdout for the console backend.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(b *Bot) {
		b.consoleIn = in
		b.consoleOut = out
	}
}

// WithTransport serves protocol id with t instead of the built-in client.
func WithTransport(id string, t adapter.Transport) Option {
	return func(b *Bot) {
		b.transports[id] = t
	}
}

func New(cfg *config.Config, opts ...Option) (*Bot, error) {
	b := &Bot{
		cfg:        cfg,
		consoleIn:  os.Stdin,
		consoleOut: os.Stdout,
		transports: map[string]adapter.Transport{},
		jobs:       jobmgr.NewManager(jobmgr.LogReporter),
	}
	for _, opt := range opts {
		opt(b)
	}

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	b.store = store

	b.sessions = session.New(session.Options{
		Default:       access.Level(cfg.DefaultPermission),
		Owners:        cfg.Owners,
		AdminBackends: cfg.AdminBackends,
		Store:         store,
	})
	b.registry = command.NewHolder(command.NewRegistry())

	if cfg.Kodi.URL != "" {
		b.kodi = kodi.New(kodi.Config{
			URL:        cfg.Kodi.URL,
			Timeout:    cfg.Kodi.Timeout,
			MinBackoff: cfg.ReconnectMin,
			MaxBackoff: cfg.ReconnectMax,
		})
		b.kodi.OnNotification = func(n kodi.Notification) {
			log.Debug().Str("method", n.Method).Msg("media center event")
		}
	}

	modules := []plugin.Module{core.New(core.Deps{
		Registry: b.registry,
		Sessions: b.sessions,
		History:  store,
		Prefix:   cfg.CommandPrefix,
		Status:   b.Status,
		Reload:   b.Reload,
		Members:  b.members,
	})}
	if b.kodi != nil {
		modules = append(modules, media.New(media.Deps{Center: b.kodi, Bookmarks: store}))
	}
	b.loader, err = plugin.NewLoader(plugin.Options{
		Roots:      cfg.PluginPaths,
		Disabled:   cfg.DisabledPlugins,
		APIVersion: version.PluginAPI,
	}, modules...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	b.dispatcher = dispatch.New(b.registry, b.sessions, dispatch.Options{
		Prefix:            cfg.CommandPrefix,
		PrivateNoPrefix:   cfg.PrivateNoPrefix,
		Timeout:           cfg.CommandTimeout,
		ReplyErrorDetails: cfg.ReplyErrorDetails,
		Middlewares:       []command.Middleware{middleware.WithCommandLogger(store)},
		Limiter:           middleware.NewSenderLimiter(cfg.RateLimit, cfg.RateBurst),
	})

	for _, protocol := range cfg.Protocols {
		t, err := b.transport(protocol)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		link := adapter.NewLink(protocol, t, adapter.LinkOptions{
			MinBackoff: cfg.ReconnectMin,
			MaxBackoff: cfg.ReconnectMax,
			Limiter:    retrylimit.NewAdaptiveLimiter(rate.Limit(cfg.SendRate), 1, rate.Limit(cfg.SendRate*4), 1, 0.5),
		})
		b.links = append(b.links, link)
		b.dispatcher.AddAdapter(link)
	}
	return b, nil
}

func (b *Bot) transport(protocol string) (adapter.Transport, error) {
	if t, ok := b.transports[protocol]; ok {
		return t, nil
	}
	cfg := b.cfg
	switch protocol {
	case console.ID:
		return console.New(b.consoleIn, b.consoleOut, cfg.ConsoleUser), nil
	case xmpp.ID:
		return xmpp.New(xmpp.Config{
			Host:     cfg.XMPP.Host,
			User:     cfg.XMPP.User,
			Password: cfg.XMPP.Password,
			Resource: cfg.XMPP.Resource,
			Nick:     cfg.XMPP.Nick,
			Rooms:    cfg.XMPP.Rooms,
			NoTLS:    cfg.XMPP.NoTLS,
			StartTLS: cfg.XMPP.StartTLS,
			Debug:    cfg.LogLevel == "trace",
		}), nil
	case matrix.ID:
		return matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Password:    cfg.Matrix.Password,
			Rooms:       cfg.Matrix.Rooms,
		}), nil
	case discord.ID:
		return discord.New(discord.Config{
			Token:             cfg.Discord.Token,
			BlacklistedGuilds: cfg.Discord.BlacklistedGuilds,
		}), nil
	case natsbus.ID:
		return natsbus.New(natsbus.Config{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Name:    version.AppName,
		}), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

// Start loads the commands, makes a first connection attempt on every
// backend and starts the background jobs. Backends that fail to connect
// keep retrying in their own job.
func (b *Bot) Start(ctx context.Context) error {
	b.started = time.Now()
	n, errs := b.Reload()
	log.Info().Int("commands", n).Int("errors", len(errs)).Msg("commands ready")

	_ = util.Parallel(ctx, b.links, len(b.links), func(ctx context.Context, l *adapter.Link) error {
		if err := l.Connect(ctx); err != nil {
			log.Warn().Err(err).Str("backend", l.ID()).Msg("initial connect failed, will retry")
		}
		return nil
	})

	for _, l := range b.links {
		if err := b.jobs.StartAsync(ctx, "adapter:"+l.ID(), l.Run); err != nil {
			return err
		}
	}
	if b.kodi != nil {
		if err := b.jobs.StartAsync(ctx, "kodi", b.kodi.Run); err != nil {
			return err
		}
	}
	return b.jobs.StartAsync(ctx, "dispatcher", b.dispatcher.Run)
}

// Run starts the bot and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return err
	}
	log.Info().Str("version", version.String()).Int("backends", len(b.links)).Msg("bot running")
	<-ctx.Done()
	b.Stop()
	return nil
}

// Stop cancels the jobs, waits for queued messages and closes everything.
func (b *Bot) Stop() {
	b.stopOnce.Do(b.stop)
}

func (b *Bot) stop() {
	b.jobs.StopAll()
	b.jobs.Wait()
	b.dispatcher.Wait()
	for _, l := range b.links {
		if err := l.Close(); err != nil {
			log.Warn().Err(err).Str("backend", l.ID()).Msg("close backend")
		}
	}
	if b.kodi != nil {
		_ = b.kodi.Close()
	}
	if err := b.store.Close(); err != nil {
		log.Error().Err(err).Msg("close storage")
	}
}

// Reload rebuilds the registry from modules and scripts and swaps it in.
// Dispatches already running keep the registry they started with.
func (b *Bot) Reload() (int, []error) {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	reg, errs := b.loader.Build()
	for _, err := range errs {
		log.Warn().Err(err).Msg("plugin not loaded")
	}
	b.registry.Swap(reg)
	return reg.Len(), errs
}

// Registry returns the command set currently in use.
func (b *Bot) Registry() *command.Registry {
	return b.registry.Current()
}

// Dispatcher is exposed for embedding and tests.
func (b *Bot) Dispatcher() *dispatch.Dispatcher {
	return b.dispatcher
}

func (b *Bot) Status() core.Status {
	st := core.Status{
		Version:  version.String(),
		Started:  b.started,
		Commands: b.registry.Current().Len(),
		Jobs:     b.jobs.Status(),
	}
	for _, l := range b.links {
		st.Adapters = append(st.Adapters, core.AdapterStatus{
			ID:         l.ID(),
			Connected:  l.Connected(),
			Reconnects: l.Reconnects(),
		})
	}
	if b.kodi != nil {
		st.Adapters = append(st.Adapters, core.AdapterStatus{ID: "kodi", Connected: b.kodi.Connected()})
	}
	return st
}

func (b *Bot) members(ctx context.Context, key chat.RoomKey) ([]string, error) {
	for _, l := range b.links {
		if l.ID() == key.Backend {
			return l.Members(ctx, key.Room)
		}
	}
	return nil, fmt.Errorf("backend %q: %w", key.Backend, adapter.ErrUnknownBackend)
}
