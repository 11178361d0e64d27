// Package console is a line-oriented local backend reading stdin and
// printing replies to stdout. Every line is a private message.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/pkg/retrylimit"
)

const (
	ID   = "console"
	Room = "local"
)

var errInputClosed = errors.New("console input closed")

// Transport implements adapter.Transport over a reader/writer pair.
type Transport struct {
	in   io.Reader
	out  io.Writer
	user string

	mu      sync.Mutex
	lines   chan string
	readErr chan error
	eof     bool
}

func New(in io.Reader, out io.Writer, user string) *Transport {
	if user == "" {
		user = "operator"
	}
	return &Transport{in: in, out: out, user: user}
}

func (t *Transport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eof {
		return &retrylimit.FatalError{Err: errInputClosed}
	}
	if t.lines != nil {
		return nil
	}
	t.lines = make(chan string)
	t.readErr = make(chan error, 1)
	go t.scan()
	return nil
}

func (t *Transport) scan() {
	sc := bufio.NewScanner(t.in)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	t.mu.Lock()
	t.eof = true
	t.mu.Unlock()
	t.readErr <- err
}

func (t *Transport) Listen(ctx context.Context, emit func(chat.IncomingMessage)) error {
	t.mu.Lock()
	lines, readErr := t.lines, t.readErr
	t.mu.Unlock()
	if lines == nil {
		return errors.New("console not dialed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			emit(chat.IncomingMessage{
				ID:         uuid.NewString(),
				Backend:    ID,
				Room:       Room,
				Sender:     t.user,
				SenderName: t.user,
				Text:       line,
				Timestamp:  time.Now(),
				Private:    true,
			})
		}
	}
}

func (t *Transport) Deliver(_ context.Context, msg chat.OutgoingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := color.Cyan.Sprintf("[%s]", msg.Room)
	for _, line := range strings.Split(msg.Text, "\n") {
		if _, err := fmt.Fprintf(t.out, "%s %s\n", prefix, line); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Members(context.Context, string) ([]string, error) {
	return []string{t.user}, nil
}

func (t *Transport) Close() error {
	if c, ok := t.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
