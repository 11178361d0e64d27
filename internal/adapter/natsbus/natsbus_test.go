package natsbus_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/keshon/parley/internal/adapter"
	"github.com/keshon/parley/internal/adapter/natsbus"
	"github.com/keshon/parley/internal/chat"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, port int) *commsserver.Server {
	t.Helper()
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server failed to start")
	}
	return ns
}

func publish(t *testing.T, nc *comms.Conn, subject string, env natsbus.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(subject, data))
	require.NoError(t, nc.Flush())
}

func TestNATS_RoundTripAndReconnect(t *testing.T) {
	r := require.New(t)

	// Given an embedded server and a connected link
	ns := startServer(t, -1)
	port := ns.Addr().(*net.TCPAddr).Port
	url := ns.ClientURL()

	tr := natsbus.New(natsbus.Config{URL: url, Subject: "bot", Timeout: time.Second})
	link := adapter.NewLink(natsbus.ID, tr, adapter.LinkOptions{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond})
	r.NoError(link.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()
	defer link.Close()

	client, err := comms.Connect(url, comms.Timeout(5*time.Second))
	r.NoError(err)
	replies := make(chan *comms.Msg, 4)
	_, err = client.ChanSubscribe("bot.out.ops", replies)
	r.NoError(err)
	r.NoError(client.Flush())

	// When a service publishes a command
	r.Eventually(func() bool {
		publish(t, client, tr.InSubject(), natsbus.Envelope{Room: "ops", Sender: "deployer", Text: "!ping"})
		select {
		case msg := <-link.Receive(ctx):
			r.Equal(natsbus.ID, msg.Backend)
			r.Equal("deployer", msg.Sender)
			r.Equal("!ping", msg.Text)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	// Then replies land on the room's out subject
	r.NoError(link.Send(ctx, chat.OutgoingMessage{Room: "ops", Text: "pong", ReplyTo: "x"}))
	select {
	case m := <-replies:
		var env natsbus.Envelope
		r.NoError(json.Unmarshal(m.Data, &env))
		r.Equal("pong", env.Text)
		r.Equal("x", env.ReplyTo)
	case <-time.After(5 * time.Second):
		r.FailNow("no reply published")
	}

	members, err := link.Members(ctx, "ops")
	r.NoError(err)
	r.Equal([]string{"deployer"}, members)
	client.Close()

	// When the server goes away
	ns.Shutdown()
	ns.WaitForShutdown()
	r.Eventually(func() bool { return !link.Connected() }, 5*time.Second, 10*time.Millisecond)

	// Then sends fail with a DeliveryError
	err = link.Send(ctx, chat.OutgoingMessage{Room: "ops", Text: "lost"})
	var de *adapter.DeliveryError
	r.ErrorAs(err, &de)

	// When it comes back on the same port the link reconnects on its own
	ns2 := startServer(t, port)
	defer func() {
		ns2.Shutdown()
		ns2.WaitForShutdown()
	}()
	r.Eventually(link.Connected, 10*time.Second, 10*time.Millisecond)
	r.NoError(link.Send(ctx, chat.OutgoingMessage{Room: "ops", Text: "back"}))
}

func TestNATS_DropsMalformedEnvelopes(t *testing.T) {
	r := require.New(t)
	ns := startServer(t, -1)
	defer func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	}()

	tr := natsbus.New(natsbus.Config{URL: ns.ClientURL(), Subject: "bot"})
	r.NoError(tr.Dial(context.Background()))
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan chat.IncomingMessage, 4)
	go func() { _ = tr.Listen(ctx, func(m chat.IncomingMessage) { got <- m }) }()

	client, err := comms.Connect(ns.ClientURL())
	r.NoError(err)
	defer client.Close()

	r.Eventually(func() bool {
		r.NoError(client.Publish("bot.in", []byte("{not json")))
		publish(t, client, "bot.in", natsbus.Envelope{Room: "ops", Text: "no sender"})
		publish(t, client, "bot.in", natsbus.Envelope{Room: "ops", Sender: "svc", Text: "ok", Kind: "join"})
		select {
		case m := <-got:
			r.Equal("svc", m.Sender)
			r.Equal(chat.KindJoin, m.Kind)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
