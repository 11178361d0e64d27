// Package config loads bot settings from the environment (and an optional
// .env file) into a validated Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Protocols         []string      `env:"PROTOCOLS" envSeparator:"," envDefault:"console" validate:"min=1,dive,oneof=console xmpp matrix discord nats"`
	CommandPrefix     string        `env:"COMMAND_PREFIX" envDefault:"!" validate:"required"`
	PrivateNoPrefix   bool          `env:"PRIVATE_NO_PREFIX" envDefault:"true"`
	DefaultPermission int           `env:"DEFAULT_PERMISSION" envDefault:"2" validate:"gte=0,lte=5"`
	Owners            []string      `env:"OWNERS" envSeparator:"," validate:"dive,contains=:"`
	AdminBackends     []string      `env:"ADMIN_BACKENDS" envSeparator:"," envDefault:"console"`
	PluginPaths       []string      `env:"PLUGIN_PATHS" envSeparator:"," envDefault:"plugins"`
	DisabledPlugins   []string      `env:"DISABLED_PLUGINS" envSeparator:","`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	RateLimit         float64       `env:"RATE_LIMIT" envDefault:"1" validate:"gte=0"`
	RateBurst         int           `env:"RATE_BURST" envDefault:"5" validate:"gte=1"`
	ReplyErrorDetails bool          `env:"REPLY_ERROR_DETAILS" envDefault:"true"`
	StoragePath       string        `env:"STORAGE_PATH" envDefault:"datastore.json" validate:"required"`
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"1s" validate:"gt=0"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"60s" validate:"gtefield=ReconnectMin"`
	SendRate          float64       `env:"SEND_RATE" envDefault:"5" validate:"gte=1"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogFile           string        `env:"LOG_FILE"`
	ConsoleUser       string        `env:"CONSOLE_USER" envDefault:"operator"`

	XMPP    XMPPConfig    `envPrefix:"XMPP_"`
	Matrix  MatrixConfig  `envPrefix:"MATRIX_"`
	Discord DiscordConfig `envPrefix:"DISCORD_"`
	NATS    NATSConfig    `envPrefix:"NATS_"`
	Kodi    KodiConfig    `envPrefix:"KODI_"`
}

type XMPPConfig struct {
	Host     string   `env:"HOST"`
	User     string   `env:"USER"`
	Password string   `env:"PASSWORD"`
	Resource string   `env:"RESOURCE" envDefault:"parley"`
	Nick     string   `env:"NICK" envDefault:"parley"`
	Rooms    []string `env:"ROOMS" envSeparator:","`
	NoTLS    bool     `env:"NO_TLS"`
	StartTLS bool     `env:"START_TLS"`
}

type MatrixConfig struct {
	Homeserver  string   `env:"HOMESERVER" validate:"omitempty,url"`
	UserID      string   `env:"USER_ID"`
	AccessToken string   `env:"ACCESS_TOKEN"`
	Password    string   `env:"PASSWORD"`
	Rooms       []string `env:"ROOMS" envSeparator:","`
}

type DiscordConfig struct {
	Token             string   `env:"TOKEN"`
	BlacklistedGuilds []string `env:"BLACKLISTED_GUILDS" envSeparator:","`
}

type NATSConfig struct {
	URL     string `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Subject string `env:"SUBJECT" envDefault:"parley"`
}

type KodiConfig struct {
	URL     string        `env:"URL" validate:"omitempty,url"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s" validate:"gt=0"`
}

// Load reads .env files (missing ones are fine), parses the environment
// and validates the result.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints plus the credentials each enabled
// protocol needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var missing []string
	for _, p := range c.Protocols {
		switch p {
		case "xmpp":
			if c.XMPP.Host == "" || c.XMPP.User == "" || c.XMPP.Password == "" {
				missing = append(missing, "XMPP_HOST, XMPP_USER and XMPP_PASSWORD")
			}
		case "matrix":
			if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || (c.Matrix.AccessToken == "" && c.Matrix.Password == "") {
				missing = append(missing, "MATRIX_HOMESERVER, MATRIX_USER_ID and MATRIX_ACCESS_TOKEN or MATRIX_PASSWORD")
			}
		case "discord":
			if c.Discord.Token == "" {
				missing = append(missing, "DISCORD_TOKEN")
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid config: missing %s", strings.Join(missing, "; "))
	}
	return nil
}

// Enabled reports whether protocol is listed in PROTOCOLS.
func (c *Config) Enabled(protocol string) bool {
	for _, p := range c.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}
