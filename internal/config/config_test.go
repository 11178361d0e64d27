package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keshon/parley/internal/config"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	r := require.New(t)

	cfg, err := config.Parse()

	r.NoError(err)
	r.Equal([]string{"console"}, cfg.Protocols)
	r.Equal("!", cfg.CommandPrefix)
	r.True(cfg.PrivateNoPrefix)
	r.Equal(2, cfg.DefaultPermission)
	r.Equal(10*time.Second, cfg.CommandTimeout)
	r.Equal(time.Minute, cfg.ReconnectMax)
	r.Equal([]string{"plugins"}, cfg.PluginPaths)
	r.Equal("parley", cfg.NATS.Subject)
	r.True(cfg.Enabled("console"))
	r.False(cfg.Enabled("xmpp"))
}

func TestParse_Overrides(t *testing.T) {
	r := require.New(t)
	t.Setenv("PROTOCOLS", "xmpp,nats")
	t.Setenv("COMMAND_PREFIX", ".")
	t.Setenv("OWNERS", "xmpp:root@example.org")
	t.Setenv("XMPP_HOST", "example.org:5222")
	t.Setenv("XMPP_USER", "bot@example.org")
	t.Setenv("XMPP_PASSWORD", "secret")
	t.Setenv("XMPP_ROOMS", "lobby@conference.example.org,ops@conference.example.org")
	t.Setenv("COMMAND_TIMEOUT", "3s")

	cfg, err := config.Parse()

	r.NoError(err)
	r.Equal(".", cfg.CommandPrefix)
	r.Equal([]string{"xmpp:root@example.org"}, cfg.Owners)
	r.Len(cfg.XMPP.Rooms, 2)
	r.Equal("parley", cfg.XMPP.Nick)
	r.Equal(3*time.Second, cfg.CommandTimeout)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown protocol":      {"PROTOCOLS": "irc"},
		"missing credentials":   {"PROTOCOLS": "discord"},
		"bad owner":             {"OWNERS": "justaname"},
		"level out of range":    {"DEFAULT_PERMISSION": "9"},
		"max below min backoff": {"RECONNECT_MIN": "10s", "RECONNECT_MAX": "1s"},
		"bad log level":         {"LOG_LEVEL": "loud"},
		"not a duration":        {"COMMAND_TIMEOUT": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := config.Parse()
			require.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "test.env")
	r.NoError(os.WriteFile(path, []byte("COMMAND_PREFIX=?\n"), 0o600))
	t.Setenv("COMMAND_PREFIX", "")
	r.NoError(os.Unsetenv("COMMAND_PREFIX"))

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))

	r.NoError(err)
	r.Equal("?", cfg.CommandPrefix)
}

func TestModuleWeight(t *testing.T) {
	r := require.New(t)
	r.Less(config.ModuleWeight("core"), config.ModuleWeight("media"))
	r.Equal(100, config.ModuleWeight("something"))
}
