package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/kodi"
)

type PlayCommand struct {
	m *Module
}

func (c *PlayCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "play",
		Description: "Play a file on the media center",
		Help:        "play <path>: open one file, quote paths with spaces or pass them as several words",
		Level:       access.User,
		MinArgs:     1,
		MaxArgs:     command.Unbounded,
		Handler:     c,
	}
}

func (c *PlayCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	path := strings.Join(inv.Args, " ")
	if err := c.m.deps.Center.OpenFile(ctx, path); err != nil {
		return centerError(inv, err)
	}
	return inv.Replyf("Now playing %s", path), nil
}

// PlaylistCommand backs audios and videos: a directory becomes the playlist.
type PlaylistCommand struct {
	m        *Module
	name     string
	playlist int
}

func (c *PlaylistCommand) Spec() command.Spec {
	return command.Spec{
		Name:        c.name,
		Description: fmt.Sprintf("Play a directory of %s", c.name),
		Help:        c.name + " <dir> [position]: play every item in dir, starting at position (from 1)",
		Level:       access.User,
		MinArgs:     1,
		MaxArgs:     2,
		Handler:     c,
	}
}

func (c *PlaylistCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	dir := inv.Args[0]
	pos := 1
	if len(inv.Args) == 2 {
		n, err := strconv.Atoi(inv.Args[1])
		if err != nil || n < 1 {
			return inv.Replyf("Position must be a number starting at 1, got %q.", inv.Args[1]), nil
		}
		pos = n
	}
	if err := c.m.openPlaylist(ctx, c.playlist, dir, pos-1); err != nil {
		return centerError(inv, err)
	}
	if pos > 1 {
		return inv.Replyf("Playing %s from item %d", dir, pos), nil
	}
	return inv.Replyf("Playing %s", dir), nil
}

type PauseCommand struct {
	m *Module
}

func (c *PauseCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "pause",
		Description: "Toggle pause",
		Level:       access.User,
		Handler:     c,
	}
}

func (c *PauseCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	speed, err := c.m.deps.Center.PlayPause(ctx)
	if err != nil {
		return centerError(inv, err)
	}
	if speed == 0 {
		return inv.Reply("Paused."), nil
	}
	return inv.Reply("Playing."), nil
}

type StopCommand struct {
	m *Module
}

func (c *StopCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "stop",
		Description: "Stop playback",
		Level:       access.User,
		Handler:     c,
	}
}

func (c *StopCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	if err := c.m.deps.Center.Stop(ctx); err != nil {
		return centerError(inv, err)
	}
	return inv.Reply("Stopped."), nil
}

// SkipCommand backs next and prev.
type SkipCommand struct {
	m    *Module
	name string
	to   string
}

func (c *SkipCommand) Spec() command.Spec {
	return command.Spec{
		Name:        c.name,
		Description: fmt.Sprintf("Go to the %s playlist item", c.to),
		Level:       access.User,
		Handler:     c,
	}
}

func (c *SkipCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	if err := c.m.deps.Center.GoTo(ctx, c.to); err != nil {
		return centerError(inv, err)
	}
	return inv.Replyf("Skipped to %s item.", c.to), nil
}

type SeekCommand struct {
	m *Module
}

func (c *SeekCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "seek",
		Description: "Jump to a time in the current item",
		Help:        "seek <[hh:]mm:ss>: jump to an absolute time",
		Level:       access.User,
		MinArgs:     1,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *SeekCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	t, err := kodi.ParseTime(inv.Args[0])
	if err != nil {
		return inv.Replyf("Cannot read time %q, use hh:mm:ss.", inv.Args[0]), nil
	}
	if err := c.m.deps.Center.Seek(ctx, t); err != nil {
		return centerError(inv, err)
	}
	return inv.Replyf("Seeking to %s.", t), nil
}

type VolumeCommand struct {
	m *Module
}

func (c *VolumeCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "volume",
		Aliases:     []string{"vol"},
		Description: "Show or set the volume",
		Help:        "volume [0-100]",
		Level:       access.User,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *VolumeCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	center := c.m.deps.Center
	if len(inv.Args) == 0 {
		v, err := center.Volume(ctx)
		if err != nil {
			return centerError(inv, err)
		}
		return inv.Replyf("Volume is %d.", v), nil
	}

	v, err := strconv.Atoi(strings.TrimSuffix(inv.Args[0], "%"))
	if err != nil || v < 0 || v > 100 {
		return inv.Reply("Volume must be between 0 and 100."), nil
	}
	if err := center.SetVolume(ctx, v); err != nil {
		return centerError(inv, err)
	}
	return inv.Replyf("Volume set to %d.", v), nil
}

type InfoCommand struct {
	m *Module
}

func (c *InfoCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "info",
		Aliases:     []string{"np"},
		Description: "Show what is playing",
		Level:       access.Guest,
		Handler:     c,
	}
}

func (c *InfoCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	center := c.m.deps.Center
	pid, err := center.ActivePlayer(ctx)
	if err != nil {
		return centerError(inv, err)
	}
	props, err := center.Properties(ctx, pid)
	if err != nil {
		return centerError(inv, err)
	}
	item, err := center.Item(ctx, pid)
	if err != nil {
		return centerError(inv, err)
	}

	title := item.Label
	if item.Title != "" {
		title = item.Title
	}
	state := ""
	if props.Speed == 0 {
		state = " (paused)"
	}
	return inv.Replyf("%s, item %d at %s/%s%s", title, props.Position+1, props.Time, props.TotalTime, state), nil
}
