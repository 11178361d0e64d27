package dispatch

import (
	"context"
	"sync"

	"github.com/keshon/parley/internal/chat"
)

// roomQueue holds the messages of one room. At most one goroutine drains
// it at a time, which keeps the room FIFO.
type roomQueue struct {
	mu      sync.Mutex
	pending []chat.IncomingMessage
	running bool
}

// Submit queues msg behind earlier messages of the same room and returns
// immediately.
func (d *Dispatcher) Submit(ctx context.Context, msg chat.IncomingMessage) {
	key := msg.Key()
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &roomQueue{}
		d.queues[key] = q
	}
	d.mu.Unlock()

	d.inflight.Add(1)
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	start := !q.running
	q.running = true
	q.mu.Unlock()

	if start {
		go d.drain(ctx, q)
	}
}

func (d *Dispatcher) drain(ctx context.Context, q *roomQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.pending[0] = chat.IncomingMessage{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		d.Handle(ctx, msg)
		d.inflight.Done()
	}
}
