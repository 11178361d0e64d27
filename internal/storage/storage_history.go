package storage

import (
	"time"

	"github.com/keshon/parley/internal/chat"
)

// CommandHistoryRecord is one dispatched command and how it ended.
type CommandHistoryRecord struct {
	Backend  string    `json:"backend"`
	Room     string    `json:"room"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Command  string    `json:"command"`
	Param    string    `json:"param"`
	Outcome  string    `json:"outcome"`
	Datetime time.Time `json:"datetime"`
}

// AppendCommandToHistory stores rec for the room, dropping the oldest
// entries past the limit.
func (s *Storage) AppendCommandToHistory(key chat.RoomKey, rec CommandHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, _, err := s.room(key)
	if err != nil {
		return err
	}
	room.History = append(room.History, rec)
	room.trimHistory()
	return s.ds.Set(roomKey(key), room)
}

// FetchCommandHistory returns the room's history, oldest first.
func (s *Storage) FetchCommandHistory(key chat.RoomKey) ([]CommandHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, _, err := s.room(key)
	if err != nil {
		return nil, err
	}
	return room.History, nil
}
