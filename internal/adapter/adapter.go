// Package adapter turns protocol sessions into a uniform stream of
// chat.IncomingMessage and delivers chat.OutgoingMessage back.
//
//go:generate go run go.uber.org/mock/mockgen -source=adapter.go -destination=../../mocks/mock_adapter.go -package=mocks
package adapter

import (
	"context"

	"github.com/keshon/parley/internal/chat"
)

// Adapter is one connected backend as seen by the dispatcher.
type Adapter interface {
	// ID is the backend identifier carried in every message ("xmpp", "matrix").
	ID() string
	// Connect establishes the first session. Fails with *ConnectionError.
	Connect(ctx context.Context) error
	// Receive yields incoming messages for the adapter's lifetime, across
	// reconnects.
	Receive(ctx context.Context) <-chan chat.IncomingMessage
	// Send delivers one message. Fails with *DeliveryError.
	Send(ctx context.Context, msg chat.OutgoingMessage) error
	// Members lists who the backend reports in a room.
	Members(ctx context.Context, room string) ([]string, error)
	Close() error
}

// Transport is the protocol-specific half of a Link: it knows how to open one
// session and pump it, but not how to survive its loss.
type Transport interface {
	Dial(ctx context.Context) error
	// Listen emits messages until the session ends or ctx is done. A nil
	// return with ctx still live counts as a disconnect.
	Listen(ctx context.Context, emit func(chat.IncomingMessage)) error
	Deliver(ctx context.Context, msg chat.OutgoingMessage) error
	Members(ctx context.Context, room string) ([]string, error)
	Close() error
}
