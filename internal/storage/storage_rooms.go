package storage

import (
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/session"
	"github.com/samber/lo"
)

// LoadRoom returns the persisted grants of a room. found is false when the
// room never had its permissions changed.
func (s *Storage) LoadRoom(key chat.RoomKey) (*session.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists, err := s.room(key)
	if err != nil || !exists || record.Default == nil {
		return nil, false, err
	}
	return &session.Snapshot{Users: lo.Assign(record.Users), Default: *record.Default}, true, nil
}

// SaveRoom replaces the persisted grants of a room.
func (s *Storage) SaveRoom(key chat.RoomKey, snap session.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, _, err := s.room(key)
	if err != nil {
		return err
	}
	def := snap.Default
	record.Users = lo.Assign(snap.Users)
	record.Default = &def
	return s.ds.Set(roomKey(key), record)
}
