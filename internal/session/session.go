// Package session tracks rooms seen across backends and the permission level
// of each known user in them.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// ErrEscalation is returned when a caller tries to grant or change a level
// that is not strictly below its own.
var ErrEscalation = errors.New("permission change not allowed")

// Snapshot is the persisted form of a room: explicit grants and the default.
type Snapshot struct {
	Users   map[string]access.Level
	Default access.Level
}

// Store persists room snapshots. Implementations must be safe for concurrent use.
type Store interface {
	LoadRoom(key chat.RoomKey) (*Snapshot, bool, error)
	SaveRoom(key chat.RoomKey, snap Snapshot) error
}

// Options configures a Model.
type Options struct {
	Default access.Level
	// Owners are "backend:sender" identities that hold Owner everywhere.
	Owners []string
	// AdminBackends grant Owner to everyone on them (local console).
	AdminBackends []string
	Store         Store
}

// Room is the live state of one (backend, room). Created lazily.
type Room struct {
	mu      sync.Mutex
	key     chat.RoomKey
	users   map[string]access.Level
	members map[string]bool
	def     access.Level
}

// Model owns every Room. Each room has its own lock; the room map has another.
type Model struct {
	mu            sync.RWMutex
	rooms         map[chat.RoomKey]*Room
	def           access.Level
	owners        map[string]bool
	adminBackends map[string]bool
	store         Store
}

// New creates an empty Model.
func New(opts Options) *Model {
	return &Model{
		rooms:         make(map[chat.RoomKey]*Room),
		def:           opts.Default,
		owners:        lo.SliceToMap(opts.Owners, func(s string) (string, bool) { return s, true }),
		adminBackends: lo.SliceToMap(opts.AdminBackends, func(s string) (string, bool) { return s, true }),
		store:         opts.Store,
	}
}

// Room returns the entry for key, creating (and loading) it on first use.
func (m *Model) Room(key chat.RoomKey) *Room {
	m.mu.RLock()
	r, ok := m.rooms[key]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[key]; ok {
		return r
	}
	r = &Room{
		key:     key,
		users:   make(map[string]access.Level),
		members: make(map[string]bool),
		def:     m.def,
	}
	if m.store != nil {
		snap, found, err := m.store.LoadRoom(key)
		if err != nil {
			log.Warn().Err(err).Str("room", key.String()).Msg("load room permissions")
		} else if found {
			for u, l := range snap.Users {
				r.users[u] = l
			}
			r.def = snap.Default
		}
	}
	m.rooms[key] = r
	return r
}

// Permission returns the level sender holds in the room.
func (m *Model) Permission(backend, room, sender string) access.Level {
	if m.privileged(backend, sender) {
		return access.Owner
	}
	r := m.Room(chat.RoomKey{Backend: backend, Room: room})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levelOf(sender)
}

// callerLevel resolves the caller against the same room state the change is
// checked against. r.mu must be held.
func (r *Room) callerLevel(caller string, privileged bool) access.Level {
	if privileged {
		return access.Owner
	}
	return r.levelOf(caller)
}

// SetPermission sets target's level in the room. The caller must hold a level
// strictly above both the new level and target's current one, so nobody can
// raise themselves or touch a peer. Setting the current value again reports
// changed=false.
func (m *Model) SetPermission(backend, room, caller, target string, level access.Level) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("set permission: %w: unknown level %s", ErrEscalation, level)
	}
	if m.privileged(backend, target) {
		return false, fmt.Errorf("set permission for %s: %w: target is an owner", target, ErrEscalation)
	}

	callerPriv := m.privileged(backend, caller)
	r := m.Room(chat.RoomKey{Backend: backend, Room: room})

	r.mu.Lock()
	callerLevel := r.callerLevel(caller, callerPriv)
	current := r.levelOf(target)
	if callerLevel <= level || callerLevel <= current {
		r.mu.Unlock()
		return false, fmt.Errorf("set %s to %s (currently %s) as %s: %w", target, level, current, callerLevel, ErrEscalation)
	}
	if explicit, ok := r.users[target]; ok && explicit == level {
		r.mu.Unlock()
		return false, nil
	}
	r.users[target] = level
	snap := r.snapshot()
	r.mu.Unlock()

	m.persist(r.key, snap)
	return true, nil
}

// ResetPermission drops target's explicit grant so the room default applies again.
func (m *Model) ResetPermission(backend, room, caller, target string) (bool, error) {
	callerPriv := m.privileged(backend, caller)
	r := m.Room(chat.RoomKey{Backend: backend, Room: room})

	r.mu.Lock()
	callerLevel := r.callerLevel(caller, callerPriv)
	current, ok := r.users[target]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if callerLevel <= current || callerLevel <= r.def {
		r.mu.Unlock()
		return false, fmt.Errorf("reset %s (currently %s) as %s: %w", target, current, callerLevel, ErrEscalation)
	}
	delete(r.users, target)
	snap := r.snapshot()
	r.mu.Unlock()

	m.persist(r.key, snap)
	return true, nil
}

// SetDefault changes the level unknown users get in the room.
func (m *Model) SetDefault(backend, room, caller string, level access.Level) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("set default: %w: unknown level %s", ErrEscalation, level)
	}
	callerPriv := m.privileged(backend, caller)
	r := m.Room(chat.RoomKey{Backend: backend, Room: room})

	r.mu.Lock()
	callerLevel := r.callerLevel(caller, callerPriv)
	if callerLevel <= level || callerLevel <= r.def {
		r.mu.Unlock()
		return false, fmt.Errorf("set default to %s (currently %s) as %s: %w", level, r.def, callerLevel, ErrEscalation)
	}
	if r.def == level {
		r.mu.Unlock()
		return false, nil
	}
	r.def = level
	snap := r.snapshot()
	r.mu.Unlock()

	m.persist(r.key, snap)
	return true, nil
}

// Observe applies membership changes reported by adapters. Text messages
// mark their sender as present.
func (m *Model) Observe(msg chat.IncomingMessage) {
	r := m.Room(msg.Key())
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Kind {
	case chat.KindLeave:
		delete(r.members, msg.Sender)
	default:
		r.members[msg.Sender] = true
	}
}

// Members returns the senders currently believed present, sorted.
func (m *Model) Members(key chat.RoomKey) []string {
	r := m.Room(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := lo.Keys(r.members)
	sort.Strings(out)
	return out
}

// RoomInfo is a read-only view of a room for listings.
type RoomInfo struct {
	Key     chat.RoomKey
	Default access.Level
	Grants  map[string]access.Level
	Members int
}

// Rooms returns a snapshot of every room seen so far, sorted by key.
func (m *Model) Rooms() []RoomInfo {
	m.mu.RLock()
	rooms := lo.Values(m.rooms)
	m.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (m *Model) privileged(backend, sender string) bool {
	return m.adminBackends[backend] || m.owners[backend+":"+sender]
}

func (m *Model) persist(key chat.RoomKey, snap Snapshot) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRoom(key, snap); err != nil {
		log.Error().Err(err).Str("room", key.String()).Msg("save room permissions")
	}
}

// Info returns a read-only view of the room.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		Key:     r.key,
		Default: r.def,
		Grants:  lo.Assign(r.users),
		Members: len(r.members),
	}
}

// levelOf must be called with r.mu held.
func (r *Room) levelOf(sender string) access.Level {
	if l, ok := r.users[sender]; ok {
		return l
	}
	return r.def
}

// snapshot must be called with r.mu held.
func (r *Room) snapshot() Snapshot {
	return Snapshot{Users: lo.Assign(r.users), Default: r.def}
}
