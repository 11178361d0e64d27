package core

import (
	"context"
	"errors"
	"strings"

	"github.com/keshon/parley/internal/access"
	"github.com/keshon/parley/internal/chat"
	"github.com/keshon/parley/internal/command"
	"github.com/keshon/parley/internal/session"
)

type PermCommand struct {
	deps *Deps
}

func (c *PermCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "perm",
		Aliases:     []string{"level"},
		Description: "Show a permission level",
		Help:        "perm [user]: show your level, or another user's, in this room",
		Level:       access.Guest,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *PermCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	msg := inv.Message
	target := msg.Sender
	if len(inv.Args) == 1 {
		target = inv.Args[0]
	}
	level := c.deps.Sessions.Permission(msg.Backend, msg.Room, target)
	return inv.Replyf("%s is %s here.", target, level), nil
}

type GrantCommand struct {
	deps *Deps
}

func (c *GrantCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "grant",
		Description: "Set a user's permission level",
		Help:        "grant <user> <level>: set a level below your own (levels: " + strings.Join(access.Names(), ", ") + ")",
		Level:       access.Trusted,
		MinArgs:     2,
		MaxArgs:     2,
		Handler:     c,
	}
}

func (c *GrantCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	msg := inv.Message
	target := inv.Args[0]
	level, err := access.ParseLevel(inv.Args[1])
	if err != nil {
		return inv.Replyf("Unknown level %q. Levels: %s.", inv.Args[1], strings.Join(access.Names(), ", ")), nil
	}

	changed, err := c.deps.Sessions.SetPermission(msg.Backend, msg.Room, msg.Sender, target, level)
	switch {
	case errors.Is(err, session.ErrEscalation):
		return inv.Replyf("Not allowed: you cannot set %s to %s.", target, level), nil
	case err != nil:
		return nil, err
	case !changed:
		return inv.Replyf("%s already is %s.", target, level), nil
	default:
		return inv.Replyf("%s is now %s.", target, level), nil
	}
}

type RevokeCommand struct {
	deps *Deps
}

func (c *RevokeCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "revoke",
		Description: "Drop a user's explicit level",
		Help:        "revoke <user>: the user falls back to the room default",
		Level:       access.Trusted,
		MinArgs:     1,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *RevokeCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	msg := inv.Message
	target := inv.Args[0]
	changed, err := c.deps.Sessions.ResetPermission(msg.Backend, msg.Room, msg.Sender, target)
	switch {
	case errors.Is(err, session.ErrEscalation):
		return inv.Replyf("Not allowed: you cannot change %s.", target), nil
	case err != nil:
		return nil, err
	case !changed:
		return inv.Replyf("%s has no explicit level here.", target), nil
	default:
		level := c.deps.Sessions.Permission(msg.Backend, msg.Room, target)
		return inv.Replyf("%s is back to the room default (%s).", target, level), nil
	}
}

type DefaultCommand struct {
	deps *Deps
}

func (c *DefaultCommand) Spec() command.Spec {
	return command.Spec{
		Name:        "default",
		Description: "Show or set the room's default level",
		Help:        "default [level]: level unknown users get in this room",
		Level:       access.User,
		MaxArgs:     1,
		Handler:     c,
	}
}

func (c *DefaultCommand) Run(_ context.Context, inv *command.Invocation) ([]chat.OutgoingMessage, error) {
	msg := inv.Message
	if len(inv.Args) == 0 {
		info := c.deps.Sessions.Room(msg.Key()).Info()
		return inv.Replyf("Default level here is %s.", info.Default), nil
	}

	level, err := access.ParseLevel(inv.Args[0])
	if err != nil {
		return inv.Replyf("Unknown level %q. Levels: %s.", inv.Args[0], strings.Join(access.Names(), ", ")), nil
	}
	changed, err := c.deps.Sessions.SetDefault(msg.Backend, msg.Room, msg.Sender, level)
	switch {
	case errors.Is(err, session.ErrEscalation):
		return inv.Replyf("Not allowed: you cannot set the default to %s.", level), nil
	case err != nil:
		return nil, err
	case !changed:
		return inv.Replyf("Default level already is %s.", level), nil
	default:
		return inv.Replyf("Default level is now %s.", level), nil
	}
}
