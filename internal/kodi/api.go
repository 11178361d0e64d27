package kodi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Kodi playlist and player ids.
const (
	AudioPlaylist = 0
	VideoPlaylist = 1
)

type Player struct {
	ID   int    `json:"playerid"`
	Type string `json:"type"`
}

// Time is Kodi's split time value.
type Time struct {
	Hours        int `json:"hours"`
	Minutes      int `json:"minutes"`
	Seconds      int `json:"seconds"`
	Milliseconds int `json:"milliseconds"`
}

// String renders h:mm:ss.
func (t Time) String() string {
	return fmt.Sprintf("%d:%02d:%02d", t.Hours, t.Minutes, t.Seconds)
}

// ParseTime accepts "ss", "mm:ss" or "hh:mm:ss".
func ParseTime(s string) (Time, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return Time{}, fmt.Errorf("invalid time %q", s)
	}
	nums := make([]int, 0, 3)
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Time{}, fmt.Errorf("invalid time %q", s)
		}
		nums = append(nums, n)
	}
	for len(nums) < 3 {
		nums = append([]int{0}, nums...)
	}
	if nums[1] > 59 || nums[2] > 59 {
		return Time{}, fmt.Errorf("invalid time %q", s)
	}
	return Time{Hours: nums[0], Minutes: nums[1], Seconds: nums[2]}, nil
}

type PlayerProperties struct {
	// Position is the 0-based playlist position.
	Position  int  `json:"position"`
	Time      Time `json:"time"`
	TotalTime Time `json:"totaltime"`
	Speed     int  `json:"speed"`
}

type Item struct {
	Label string `json:"label"`
	File  string `json:"file"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

func (c *Client) ActivePlayers(ctx context.Context) ([]Player, error) {
	var players []Player
	if err := c.Call(ctx, "Player.GetActivePlayers", nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// ActivePlayer returns the first active player id.
func (c *Client) ActivePlayer(ctx context.Context) (int, error) {
	players, err := c.ActivePlayers(ctx)
	if err != nil {
		return 0, err
	}
	if len(players) == 0 {
		return 0, ErrNothingPlaying
	}
	return players[0].ID, nil
}

func (c *Client) OpenFile(ctx context.Context, path string) error {
	return c.Call(ctx, "Player.Open", map[string]any{
		"item": map[string]any{"file": path},
	}, nil)
}

// OpenDirectory replaces the playlist with the directory contents and starts
// at the 0-based position.
func (c *Client) OpenDirectory(ctx context.Context, playlist int, path string, position int) error {
	if err := c.Call(ctx, "Playlist.Clear", map[string]any{"playlistid": playlist}, nil); err != nil {
		return err
	}
	if err := c.Call(ctx, "Playlist.Add", map[string]any{
		"playlistid": playlist,
		"item":       map[string]any{"directory": path, "recursive": true},
	}, nil); err != nil {
		return err
	}
	return c.Call(ctx, "Player.Open", map[string]any{
		"item": map[string]any{"playlistid": playlist, "position": position},
	}, nil)
}

// PlayPause toggles playback and returns the new speed (0 = paused).
func (c *Client) PlayPause(ctx context.Context) (int, error) {
	pid, err := c.ActivePlayer(ctx)
	if err != nil {
		return 0, err
	}
	var res struct {
		Speed int `json:"speed"`
	}
	if err := c.Call(ctx, "Player.PlayPause", map[string]any{"playerid": pid}, &res); err != nil {
		return 0, err
	}
	return res.Speed, nil
}

func (c *Client) Stop(ctx context.Context) error {
	pid, err := c.ActivePlayer(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, "Player.Stop", map[string]any{"playerid": pid}, nil)
}

// GoTo moves to "next" or "previous".
func (c *Client) GoTo(ctx context.Context, to string) error {
	pid, err := c.ActivePlayer(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, "Player.GoTo", map[string]any{"playerid": pid, "to": to}, nil)
}

func (c *Client) Seek(ctx context.Context, t Time) error {
	pid, err := c.ActivePlayer(ctx)
	if err != nil {
		return err
	}
	return c.Call(ctx, "Player.Seek", map[string]any{
		"playerid": pid,
		"value":    map[string]any{"time": t},
	}, nil)
}

func (c *Client) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("volume %d out of range 0..100", volume)
	}
	return c.Call(ctx, "Application.SetVolume", map[string]any{"volume": volume}, nil)
}

func (c *Client) Volume(ctx context.Context) (int, error) {
	var res struct {
		Volume int `json:"volume"`
	}
	if err := c.Call(ctx, "Application.GetProperties", map[string]any{
		"properties": []string{"volume"},
	}, &res); err != nil {
		return 0, err
	}
	return res.Volume, nil
}

func (c *Client) Properties(ctx context.Context, playerID int) (PlayerProperties, error) {
	var props PlayerProperties
	err := c.Call(ctx, "Player.GetProperties", map[string]any{
		"playerid":   playerID,
		"properties": []string{"position", "time", "totaltime", "speed"},
	}, &props)
	return props, err
}

func (c *Client) Item(ctx context.Context, playerID int) (Item, error) {
	var res struct {
		Item Item `json:"item"`
	}
	err := c.Call(ctx, "Player.GetItem", map[string]any{
		"playerid":   playerID,
		"properties": []string{"file", "title"},
	}, &res)
	return res.Item, err
}
