// Package access defines the ordered permission tiers used to gate commands.
package access

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an ordered permission tier. Higher values grant more.
type Level int

const (
	Banned Level = iota
	Guest
	User
	Trusted
	Admin
	Owner
)

var levelNames = []string{"banned", "guest", "user", "trusted", "admin", "owner"}

func (l Level) String() string {
	if l >= Banned && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return strconv.Itoa(int(l))
}

// Valid reports whether l is one of the known tiers.
func (l Level) Valid() bool {
	return l >= Banned && l <= Owner
}

// ParseLevel accepts a tier name ("admin") or its number ("4").
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown permission level %q", s)
	}
	l := Level(n)
	if !l.Valid() {
		return 0, fmt.Errorf("permission level %d out of range %d..%d", n, Banned, Owner)
	}
	return l, nil
}

// Names lists the tier names in ascending order.
func Names() []string {
	out := make([]string, len(levelNames))
	copy(out, levelNames)
	return out
}
