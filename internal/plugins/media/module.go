// Package media drives a Kodi media center from chat: playback control,
// directory playlists and bookmarks that can be resumed later.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/kodi"
	"github.com/keshon/parley/internal/storage"
	"github.com/samber/lo"
)

const ModuleName = "media"

// MediaCenter is the subset of the Kodi client the commands use.
type MediaCenter interface {
	OpenFile(ctx context.Context, path string) error
	OpenDirectory(ctx context.Context, playlist int, path string, position int) error
	PlayPause(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	GoTo(ctx context.Context, to string) error
	Seek(ctx context.Context, t kodi.Time) error
	SetVolume(ctx context.Context, volume int) error
	Volume(ctx context.Context) (int, error)
	ActivePlayer(ctx context.Context) (int, error)
	Properties(ctx context.Context, playerID int) (kodi.PlayerProperties, error)
	Item(ctx context.Context, playerID int) (kodi.Item, error)
}

var _ MediaCenter = (*kodi.Client)(nil)

type Bookmarks interface {
	SetBookmark(b storage.Bookmark) error
	Bookmark(name string) (*storage.Bookmark, error)
	Bookmarks() ([]storage.Bookmark, error)
	RemoveBookmark(name string) error
	ClearBookmarks() error
}

type Deps struct {
	Center    MediaCenter
	Bookmarks Bookmarks
	// Now defaults to time.Now.
	Now func() time.Time
}

// playlist is the last directory opened with audios or videos.
type playlist struct {
	id   int
	path string
}

type Module struct {
	deps Deps

	mu   sync.Mutex
	last *playlist
}

func New(deps Deps) *Module {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Module{deps: deps}
}

func (m *Module) Name() string { return ModuleName }

type specer interface {
	Spec() command.Spec
}

func (m *Module) Register() ([]command.Spec, error) {
	if m.deps.Center == nil {
		return nil, errors.New("media: no media center configured")
	}
	cmds := []specer{
		&PlayCommand{m: m},
		&PlaylistCommand{m: m, name: "audios", playlist: kodi.AudioPlaylist},
		&PlaylistCommand{m: m, name: "videos", playlist: kodi.VideoPlaylist},
		&PauseCommand{m: m},
		&StopCommand{m: m},
		&SkipCommand{m: m, name: "next", to: "next"},
		&SkipCommand{m: m, name: "prev", to: "previous"},
		&SeekCommand{m: m},
		&VolumeCommand{m: m},
		&InfoCommand{m: m},
	}
	if m.deps.Bookmarks != nil {
		cmds = append(cmds, &BookmarkCommand{m: m}, &ResumeCommand{m: m})
	}
	return lo.Map(cmds, func(c specer, _ int) command.Spec {
		s := c.Spec()
		s.Module = ModuleName
		return s
	}), nil
}

func (m *Module) lastPlayed() *playlist {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	p := *m.last
	return &p
}

// openPlaylist opens path as playlist id starting at the 0-based position
// and remembers it for bookmarking.
func (m *Module) openPlaylist(ctx context.Context, id int, path string, position int) error {
	if err := m.deps.Center.OpenDirectory(ctx, id, path, position); err != nil {
		return err
	}
	m.mu.Lock()
	m.last = &playlist{id: id, path: path}
	m.mu.Unlock()
	return nil
}

// centerError turns the errors users can act on into replies; anything else
// is returned as a handler failure.
func centerError(inv *command.Invocation, err error) ([]chat.OutgoingMessage, error) {
	switch {
	case errors.Is(err, kodi.ErrNothingPlaying):
		return inv.Reply("Nothing is playing."), nil
	case errors.Is(err, kodi.ErrNotConnected):
		return inv.Reply("Media center is not connected."), nil
	default:
		return nil, err
	}
}
