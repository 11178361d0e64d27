package adapter

import (
	"errors"
	"fmt"

	"github.com/keshon/parley/pkg/retrylimit"
)

var (
	// ErrDisconnected is wrapped by errors raised while a link is down.
	ErrDisconnected = errors.New("backend disconnected")
	// ErrThrottled is returned by transports when the server asks to slow down.
	ErrThrottled = retrylimit.ErrRateLimited
	// ErrUnknownBackend means no adapter is registered under a message's backend.
	ErrUnknownBackend = errors.New("unknown backend")
)

// ConnectionError reports a failed (re)connect.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeliveryError reports a message that did not reach its room.
type DeliveryError struct {
	Backend string
	Room    string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: delivery to %q failed: %v", e.Backend, e.Room, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
