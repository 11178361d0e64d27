package storage_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/session"
	"github.com/keshon/parley/internal/storage"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "datastore.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_Rooms(t *testing.T) {
	r := require.New(t)
	s := openStore(t)
	key := chat.RoomKey{Backend: "xmpp", Room: "lobby@conference.example.org"}

	_, found, err := s.LoadRoom(key)
	r.NoError(err)
	r.False(found)

	r.NoError(s.SaveRoom(key, session.Snapshot{
		Users:   map[string]access.Level{"alice": access.Admin},
		Default: access.Guest,
	}))

	snap, found, err := s.LoadRoom(key)
	r.NoError(err)
	r.True(found)
	r.Equal(access.Admin, snap.Users["alice"])
	r.Equal(access.Guest, snap.Default)
}

func TestStorage_CommandHistoryIsCapped(t *testing.T) {
	r := require.New(t)
	s := openStore(t)
	key := chat.RoomKey{Backend: "matrix", Room: "!abc"}

	for i := 0; i < 25; i++ {
		r.NoError(s.AppendCommandToHistory(key, storage.CommandHistoryRecord{
			Command:  fmt.Sprintf("cmd-%d", i),
			Datetime: time.Now(),
		}))
	}

	list, err := s.FetchCommandHistory(key)
	r.NoError(err)
	r.Len(list, 20)
	r.Equal("cmd-5", list[0].Command)
	r.Equal("cmd-24", list[19].Command)
}

func TestStorage_HistoryDoesNotClobberGrants(t *testing.T) {
	r := require.New(t)
	s := openStore(t)
	key := chat.RoomKey{Backend: "nats", Room: "ops"}

	r.NoError(s.SaveRoom(key, session.Snapshot{Users: map[string]access.Level{"bob": access.Trusted}, Default: access.User}))
	r.NoError(s.AppendCommandToHistory(key, storage.CommandHistoryRecord{Command: "ping"}))

	snap, found, err := s.LoadRoom(key)
	r.NoError(err)
	r.True(found)
	r.Equal(access.Trusted, snap.Users["bob"])
}

func TestStorage_Bookmarks(t *testing.T) {
	r := require.New(t)
	s := openStore(t)
	now := time.Now()

	r.NoError(s.SetBookmark(storage.Bookmark{Name: "audiobook", Path: "/music/book", Position: 3, Time: "00:12:00", Added: now.Add(-time.Hour)}))
	r.NoError(s.SetBookmark(storage.Bookmark{Name: "series", Path: "/tv/show", PlayerID: 1, Position: 7, Added: now}))

	list, err := s.Bookmarks()
	r.NoError(err)
	r.Len(list, 2)
	r.Equal("series", list[0].Name, "most recent first")

	b, err := s.Bookmark("audiobook")
	r.NoError(err)
	r.Equal(3, b.Position)

	r.NoError(s.RemoveBookmark("audiobook"))
	r.ErrorIs(s.RemoveBookmark("audiobook"), storage.ErrBookmarkNotFound)
	_, err = s.Bookmark("audiobook")
	r.ErrorIs(err, storage.ErrBookmarkNotFound)

	r.NoError(s.ClearBookmarks())
	list, err = s.Bookmarks()
	r.NoError(err)
	r.Empty(list)
}

func TestStorage_SurvivesReopen(t *testing.T) {
	r := require.New(t)

	// Given a store with grants, history and a bookmark
	path := filepath.Join(t.TempDir(), "datastore.json")
	s, err := storage.New(path)
	r.NoError(err)
	key := chat.RoomKey{Backend: "discord", Room: "123"}
	r.NoError(s.SaveRoom(key, session.Snapshot{Users: map[string]access.Level{"carol": access.Admin}, Default: access.Guest}))
	r.NoError(s.AppendCommandToHistory(key, storage.CommandHistoryRecord{Command: "play", Outcome: "ok"}))
	r.NoError(s.SetBookmark(storage.Bookmark{Name: "film", Path: "/video", Position: 2}))

	// When it is closed and opened again
	r.NoError(s.Close())
	s, err = storage.New(path)
	r.NoError(err)
	t.Cleanup(func() { _ = s.Close() })

	// Then everything was written to the file
	snap, found, err := s.LoadRoom(key)
	r.NoError(err)
	r.True(found)
	r.Equal(access.Admin, snap.Users["carol"])
	r.Equal(access.Guest, snap.Default)

	history, err := s.FetchCommandHistory(key)
	r.NoError(err)
	r.Len(history, 1)
	r.Equal("play", history[0].Command)

	b, err := s.Bookmark("film")
	r.NoError(err)
	r.Equal(2, b.Position)
}
