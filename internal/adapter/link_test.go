package adapter_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/pkg/retrylimit"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	dialErr  error
	dials    int
	drop     chan struct{}
	incoming chan chat.IncomingMessage
	sent     []chat.OutgoingMessage
	sendErr  error
	closed   bool
	// flap ends every session as soon as it starts.
	flap bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan chat.IncomingMessage, 8)}
}

func (f *fakeTransport) Dial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.drop = make(chan struct{})
	return nil
}

func (f *fakeTransport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	f.mu.Lock()
	drop, flap := f.drop, f.flap
	f.mu.Unlock()
	if flap {
		return errors.New("stream reset")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drop:
			return errors.New("stream closed by peer")
		case m := <-f.incoming:
			emit(m)
		}
	}
}

func (f *fakeTransport) Deliver(_ context.Context, msg chat.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Members(context.Context, string) ([]string, error) {
	return []string{"alice", "bob"}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// disconnect ends the current session; later dials fail with dialErr.
func (f *fakeTransport) disconnect(dialErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = dialErr
	close(f.drop)
}

func (f *fakeTransport) allowDial() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func startLink(t *testing.T, ft *fakeTransport) (*adapter.Link, context.CancelFunc) {
	t.Helper()
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, link.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = link.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = link.Close()
	})
	return link, cancel
}

func TestLink_ConnectFailureIsConnectionError(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	ft.dialErr = errors.New("connection refused")

	link := adapter.NewLink("fake", ft, adapter.LinkOptions{})
	err := link.Connect(context.Background())

	var ce *adapter.ConnectionError
	r.ErrorAs(err, &ce)
	r.Equal("fake", ce.Backend)
	r.False(link.Connected())
}

func TestLink_ReceiveStampsBackend(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	link, _ := startLink(t, ft)

	ft.incoming <- chat.IncomingMessage{Room: "lobby", Sender: "alice", Text: "!ping"}

	select {
	case msg := <-link.Receive(context.Background()):
		r.Equal("fake", msg.Backend)
		r.Equal("!ping", msg.Text)
	case <-time.After(time.Second):
		r.Fail("no message received")
	}
}

func TestLink_ReconnectsAndFailsSendsDuringOutage(t *testing.T) {
	r := require.New(t)

	// Given a connected link
	ft := newFakeTransport()
	link, _ := startLink(t, ft)
	r.NoError(link.Send(context.Background(), chat.OutgoingMessage{Room: "lobby", Text: "before"}))

	// When the session drops and the server refuses new connections
	ft.disconnect(errors.New("connection refused"))
	r.Eventually(func() bool { return !link.Connected() }, time.Second, time.Millisecond)

	// Then sends fail fast with a DeliveryError
	err := link.Send(context.Background(), chat.OutgoingMessage{Room: "lobby", Text: "during"})
	var de *adapter.DeliveryError
	r.ErrorAs(err, &de)
	r.ErrorIs(err, adapter.ErrDisconnected)
	r.Equal("lobby", de.Room)

	_, err = link.Members(context.Background(), "lobby")
	r.ErrorIs(err, adapter.ErrDisconnected)

	// When the server comes back
	ft.allowDial()
	r.Eventually(link.Connected, time.Second, time.Millisecond)

	// Then the link resumes without intervention
	r.NoError(link.Send(context.Background(), chat.OutgoingMessage{Room: "lobby", Text: "after"}))
	r.Equal(2, ft.sentCount())
	r.EqualValues(1, link.Reconnects())

	ft.incoming <- chat.IncomingMessage{Room: "lobby", Text: "still here"}
	select {
	case msg := <-link.Receive(context.Background()):
		r.Equal("still here", msg.Text)
	case <-time.After(time.Second):
		r.Fail("receive did not survive reconnect")
	}
}

func TestLink_RunDialsWhenConnectWasSkipped(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{MinBackoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()

	r.Eventually(link.Connected, time.Second, time.Millisecond)
	r.Zero(link.Reconnects())
}

func TestLink_BacksOffBetweenShortSessions(t *testing.T) {
	r := require.New(t)

	// Given a server that accepts the login and drops the stream at once
	ft := newFakeTransport()
	ft.flap = true
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
	})

	// When the link runs for half a second
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	r.NoError(link.Run(ctx))

	// Then redials are spaced 100ms, 200ms, 400ms apart
	r.LessOrEqual(ft.dialCount(), 4)
	r.GreaterOrEqual(ft.dialCount(), 2)
}

func TestLink_StableSessionResetsBackoff(t *testing.T) {
	r := require.New(t)

	// Given sessions count as stable right away
	ft := newFakeTransport()
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{
		MinBackoff:  time.Hour,
		MaxBackoff:  time.Hour,
		StableAfter: time.Nanosecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()
	r.Eventually(link.Connected, time.Second, time.Millisecond)

	// When the session drops
	time.Sleep(5 * time.Millisecond)
	ft.disconnect(nil)

	// Then the redial does not wait out the hour of backoff
	r.Eventually(func() bool { return ft.dialCount() == 2 && link.Connected() }, time.Second, time.Millisecond)
	r.EqualValues(1, link.Reconnects())
}

func TestLink_DeliveryErrorWrapsTransportFailure(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	ft.sendErr = fmt.Errorf("429: %w", adapter.ErrThrottled)

	lim := retrylimit.NewAdaptiveLimiter(4, 1, 4, 1, 0.5)
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{Limiter: lim})
	r.NoError(link.Connect(context.Background()))

	err := link.Send(context.Background(), chat.OutgoingMessage{Room: "r", Text: "x"})
	r.ErrorIs(err, adapter.ErrThrottled)
	r.Equal(2.0, lim.CurrentLimit())
}

func TestLink_CloseStopsRun(t *testing.T) {
	r := require.New(t)
	ft := newFakeTransport()
	link := adapter.NewLink("fake", ft, adapter.LinkOptions{})
	r.NoError(link.Connect(context.Background()))

	done := make(chan error, 1)
	go func() { done <- link.Run(context.Background()) }()

	r.NoError(link.Close())
	select {
	case err := <-done:
		r.NoError(err)
	case <-time.After(time.Second):
		r.Fail("run did not stop after close")
	}
	r.True(ft.closed)

	var ce *adapter.ConnectionError
	r.ErrorAs(link.Connect(context.Background()), &ce)
}
