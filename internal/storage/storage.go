// Package storage persists room permissions, command history and media
// bookmarks in a JSON-backed datastore file.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keshon/datastore"
	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
)

// historyLimit is how many commands are kept per room.
const historyLimit = 20

const saveInterval = time.Minute

const bookmarksKey = "bookmarks"

type Storage struct {
	mu sync.Mutex
	ds *datastore.DataStore
	// stop ends the datastore autosave loop.
	stop context.CancelFunc
}

// Record is everything stored per room.
type Record struct {
	History []CommandHistoryRecord  `json:"cmd_history"`
	Users   map[string]access.Level `json:"users"`
	Default *access.Level           `json:"default,omitempty"`
}

func (r *Record) trimHistory() {
	if n := len(r.History); n > historyLimit {
		r.History = r.History[n-historyLimit:]
	}
}

func New(filePath string) (*Storage, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ds, err := datastore.New(ctx, filePath, datastore.WithSaveInterval(saveInterval))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open datastore %s: %w", filePath, err)
	}
	return &Storage{ds: ds, stop: cancel}, nil
}

// Close stops autosaving and writes the file one last time.
func (s *Storage) Close() error {
	s.stop()
	return s.ds.Close()
}

func roomKey(key chat.RoomKey) string {
	return "room:" + key.String()
}

// room loads the record for key, or an empty one. The bool reports whether
// it was stored. Callers hold s.mu.
func (s *Storage) room(key chat.RoomKey) (*Record, bool, error) {
	rec := &Record{Users: map[string]access.Level{}}
	ok, err := s.ds.Get(roomKey(key), rec)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return rec, false, nil
	}
	if rec.Users == nil {
		rec.Users = map[string]access.Level{}
	}
	rec.trimHistory()
	return rec, true, nil
}
