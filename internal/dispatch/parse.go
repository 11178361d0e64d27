package dispatch

import (
	"strings"

	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/mattn/go-shellwords"
)

// shell operators go-shellwords would stop at or reject
const operatorRunes = ";&|<>()`"

// Parse reports whether msg is a command and splits it into a name and
// arguments. ok is false for ordinary chatter, which is not an error.
func Parse(msg chat.IncomingMessage, prefix string, privateNoPrefix bool) (name string, args []string, ok bool, err error) {
	text := strings.TrimSpace(msg.Text)
	switch {
	case prefix != "" && strings.HasPrefix(text, prefix):
		text = text[len(prefix):]
	case msg.Private && privateNoPrefix:
	default:
		return "", nil, false, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil, false, nil
	}

	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	words, err := p.Parse(escapeOperators(text))
	if err != nil {
		return "", nil, true, &command.ParseError{Text: msg.Text, Err: err}
	}
	if len(words) == 0 {
		return "", nil, false, nil
	}
	return words[0], words[1:], true, nil
}

// escapeOperators backslash-escapes shell operators outside quotes so they
// stay literal text. It works on bytes: every character it looks at is
// ASCII, and other bytes (invalid UTF-8 included) are copied unchanged.
func escapeOperators(s string) string {
	var (
		b                    strings.Builder
		escaped, single, dbl bool
	)
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && !single:
			escaped = true
		case c == '\'' && !dbl:
			single = !single
		case c == '"' && !single:
			dbl = !dbl
		case !single && !dbl && strings.IndexByte(operatorRunes, c) >= 0:
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
