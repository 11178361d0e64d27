// Package chat defines the backend-neutral message model shared by adapters,
// the dispatcher and command handlers.
package chat

import (
	"fmt"
	"time"
)

// Kind tells a text message apart from adapter-reported membership changes.
type Kind int

const (
	KindText Kind = iota
	KindJoin
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	default:
		return "text"
	}
}

// IncomingMessage is built by an adapter and never mutated afterwards.
type IncomingMessage struct {
	ID         string
	Backend    string
	Room       string
	Sender     string
	SenderName string
	Text       string
	Timestamp  time.Time
	Private    bool
	Kind       Kind
}

// Key returns the (backend, room) pair the message belongs to.
func (m IncomingMessage) Key() RoomKey {
	return RoomKey{Backend: m.Backend, Room: m.Room}
}

// DisplayName prefers the human readable name when the backend supplied one.
func (m IncomingMessage) DisplayName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender
}

// OutgoingMessage is a reply produced by a handler. Backend and Room are
// filled in from the originating message when left empty.
type OutgoingMessage struct {
	Backend string
	Room    string
	Text    string
	ReplyTo string
}

// Reply addresses text at the room in.
func Reply(in IncomingMessage, text string) OutgoingMessage {
	return OutgoingMessage{
		Backend: in.Backend,
		Room:    in.Room,
		Text:    text,
		ReplyTo: in.ID,
	}
}

// RoomKey identifies a room across backends.
type RoomKey struct {
	Backend string
	Room    string
}

func (k RoomKey) String() string {
	return fmt.Sprintf("%s:%s", k.Backend, k.Room)
}
