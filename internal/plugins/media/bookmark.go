package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/kodi"
	"github.com/keshon/parley/internal/storage"
	"github.com/samber/lo"
)

type BookmarkCommand struct {
	m *Module
}

func (c *BookmarkCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "bookmark",
		Aliases:     []string{"bookmarks", "bm"},
		Description: "Manage playlist bookmarks",
		Help:        "bookmark [show|set|remove] [name]: show matching bookmarks, save the current playlist position, or remove one (* for all)",
		Level:       access.User,
		MaxArgs:     command.Unbounded,
		Handler:     c,
	}
}

func (c *BookmarkCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	args := inv.Args
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "set":
			return c.set(ctx, inv, args[1:])
		case "remove":
			return c.remove(inv, args[1:])
		case "show":
			args = args[1:]
		}
	}
	return c.show(inv, args)
}

func (c *BookmarkCommand) set(ctx context.Context, inv *command.Invocation, args []string) ([]chat.OutgoingMessage, error) {
	last := c.m.lastPlayed()
	if last == nil {
		return inv.Reply("No active audios or videos playlist to bookmark."), nil
	}
	name := last.path
	if len(args) > 0 {
		name = strings.Join(args, " ")
	}

	center := c.m.deps.Center
	props, err := center.Properties(ctx, last.id)
	if err != nil {
		return centerError(inv, err)
	}
	item, err := center.Item(ctx, last.id)
	if err != nil {
		return centerError(inv, err)
	}

	b := storage.Bookmark{
		Name:     name,
		Path:     last.path,
		PlayerID: last.id,
		Position: props.Position,
		File:     path.Base(item.File),
		Time:     props.Time.String(),
		Added:    c.m.deps.Now(),
	}
	if err := c.m.deps.Bookmarks.SetBookmark(b); err != nil {
		return nil, fmt.Errorf("save bookmark %q: %w", name, err)
	}
	return inv.Replyf("Bookmark added for %q item %d at %s.", name, b.Position+1, b.Time), nil
}

func (c *BookmarkCommand) remove(inv *command.Invocation, args []string) ([]chat.OutgoingMessage, error) {
	if len(args) == 0 {
		return inv.Reply(`To remove all bookmarks use "bookmark remove *".`), nil
	}
	name := strings.Join(args, " ")
	if name == "*" {
		if err := c.m.deps.Bookmarks.ClearBookmarks(); err != nil {
			return nil, err
		}
		return inv.Reply("Removed all bookmarks."), nil
	}
	err := c.m.deps.Bookmarks.RemoveBookmark(name)
	switch {
	case errors.Is(err, storage.ErrBookmarkNotFound):
		return inv.Replyf("Bookmark %q not found.", name), nil
	case err != nil:
		return nil, err
	}
	return inv.Replyf("Removed bookmark %q.", name), nil
}

func (c *BookmarkCommand) show(inv *command.Invocation, args []string) ([]chat.OutgoingMessage, error) {
	all, err := c.m.deps.Bookmarks.Bookmarks()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return inv.Reply("No bookmarks."), nil
	}
	if len(args) == 0 {
		names := lo.Map(all, func(b storage.Bookmark, _ int) string { return b.Name })
		return inv.Replyf("There are %d bookmarks: %s", len(names), strings.Join(names, ", ")), nil
	}

	search := strings.ToLower(strings.Join(args, " "))
	matches := lo.Filter(all, func(b storage.Bookmark, _ int) bool {
		return strings.Contains(strings.ToLower(b.Name), search)
	})
	entries := lo.Map(matches, func(b storage.Bookmark, _ int) string {
		return fmt.Sprintf("%q at item %d and time %s which is %q", b.Name, b.Position+1, b.Time, b.File)
	})
	switch len(entries) {
	case 0:
		return inv.Reply("Found 0 bookmarks."), nil
	case 1:
		return inv.Replyf("Found 1 bookmark: %s", entries[0]), nil
	default:
		return inv.Replyf("Found %d bookmarks:\n%s", len(entries), strings.Join(entries, "\n")), nil
	}
}

type ResumeCommand struct {
	m *Module
}

func (c *ResumeCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "resume",
		Description: "Resume a bookmarked playlist",
		Help:        "resume [name] [next]: reopen a bookmark (the latest by default) at its time, or at the following item with next",
		Level:       access.User,
		MaxArgs:     command.Unbounded,
		Handler:     c,
	}
}

func (c *ResumeCommand) Run(ctx context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	all, err := c.m.deps.Bookmarks.Bookmarks()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return inv.Reply("No bookmarks."), nil
	}

	args := inv.Args
	startNext := len(args) > 0 && strings.EqualFold(args[len(args)-1], "next")
	if startNext {
		args = args[:len(args)-1]
	}

	// Bookmarks are listed latest first.
	b := all[0]
	if len(args) > 0 {
		name := strings.Join(args, " ")
		found, err := c.m.deps.Bookmarks.Bookmark(name)
		if errors.Is(err, storage.ErrBookmarkNotFound) {
			return inv.Replyf("No bookmark named %q.", name), nil
		}
		if err != nil {
			return nil, err
		}
		b = *found
	}

	if b.PlayerID != kodi.AudioPlaylist && b.PlayerID != kodi.VideoPlaylist {
		return inv.Replyf("Bookmark %q is broken: unknown player %d.", b.Name, b.PlayerID), nil
	}

	pos := b.Position
	if startNext {
		pos++
	}
	if err := c.m.openPlaylist(ctx, b.PlayerID, b.Path, pos); err != nil {
		return centerError(inv, err)
	}
	if startNext {
		return inv.Replyf("Playing %s from item %d", b.Path, pos+1), nil
	}

	t, err := kodi.ParseTime(b.Time)
	if err != nil {
		return inv.Replyf("Playing %s from item %d, bookmark time %q unreadable", b.Path, pos+1, b.Time), nil
	}
	if err := c.m.deps.Center.Seek(ctx, t); err != nil {
		return centerError(inv, err)
	}
	return inv.Replyf("Playing %s from item %d at %s", b.Path, pos+1, t), nil
}
