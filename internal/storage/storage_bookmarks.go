package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
)

var ErrBookmarkNotFound = errors.New("bookmark not found")

// Bookmark remembers a position in a media-center playlist.
type Bookmark struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	PlayerID int       `json:"player_id"`
	Position int       `json:"position"`
	File     string    `json:"file"`
	Time     string    `json:"time"`
	Added    time.Time `json:"added"`
}

// allBookmarks is keyed by name. Callers hold s.mu.
func (s *Storage) allBookmarks() (map[string]Bookmark, error) {
	out := map[string]Bookmark{}
	if _, err := s.ds.Get(bookmarksKey, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]Bookmark{}
	}
	return out, nil
}

// SetBookmark creates or overwrites the bookmark named b.Name.
func (s *Storage) SetBookmark(b Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allBookmarks()
	if err != nil {
		return err
	}
	all[b.Name] = b
	return s.ds.Set(bookmarksKey, all)
}

func (s *Storage) Bookmark(name string) (*Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allBookmarks()
	if err != nil {
		return nil, err
	}
	b, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrBookmarkNotFound)
	}
	return &b, nil
}

// Bookmarks returns every bookmark, most recently added first.
func (s *Storage) Bookmarks() ([]Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allBookmarks()
	if err != nil {
		return nil, err
	}
	out := lo.Values(all)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Added.Equal(out[j].Added) {
			return out[i].Name < out[j].Name
		}
		return out[i].Added.After(out[j].Added)
	})
	return out, nil
}

// RemoveBookmark deletes a bookmark; removing a missing one is an error.
func (s *Storage) RemoveBookmark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allBookmarks()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrBookmarkNotFound)
	}
	delete(all, name)
	return s.ds.Set(bookmarksKey, all)
}

// ClearBookmarks deletes every bookmark.
func (s *Storage) ClearBookmarks() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds.Delete(bookmarksKey)
}
