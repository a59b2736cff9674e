// Package config holds every tunable of the relay. Nothing in the core
// reads the environment directly; main loads a Config once and injects it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Addr       string `mapstructure:"addr"`
	Debug      bool   `mapstructure:"debug"`
	TrustProxy bool   `mapstructure:"trust_proxy"`

	AdminPassword string        `mapstructure:"admin_password"`
	AdminSecret   string        `mapstructure:"admin_secret"`
	AdminTokenTTL time.Duration `mapstructure:"admin_token_ttl"`

	PublicRoomID   string `mapstructure:"public_room_id"`
	PublicRoomName string `mapstructure:"public_room_name"`

	RoomCapacity   int `mapstructure:"room_capacity"`
	DirectCapacity int `mapstructure:"direct_capacity"`

	MaxTextLength  int `mapstructure:"max_text_length"`
	MaxBinaryBytes int `mapstructure:"max_binary_bytes"`
	MaxEmojiLength int `mapstructure:"max_emoji_length"`

	UnclaimedGroupTTL time.Duration `mapstructure:"unclaimed_group_ttl"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	BcryptCost        int           `mapstructure:"bcrypt_cost"`
	CollationLocale   string        `mapstructure:"collation_locale"`
	RateLimit         float64       `mapstructure:"rate_limit"`
}

// Fixed protocol limits that are part of the wire contract rather than
// deployment tuning.
const (
	MaxNickLength      = 18
	MinNickLength      = 2
	MaxGroupNameLength = 32
	MinGroupPassword   = 3
	MaxReplyPreview    = 140
	MaxWarnLength      = 220
	MaxReasonLength    = 120

	// envelopeSlack covers the JSON fields around message content.
	envelopeSlack = 64 << 10
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:              ":10000",
		AdminTokenTTL:     6 * time.Hour,
		PublicRoomID:      "general",
		PublicRoomName:    "General",
		RoomCapacity:      200,
		DirectCapacity:    200,
		MaxTextLength:     2000,
		MaxBinaryBytes:    5_500_000,
		MaxEmojiLength:    8,
		UnclaimedGroupTTL: 10 * time.Minute,
		SampleInterval:    time.Second,
		SendBuffer:        256,
		BcryptCost:        10,
		CollationLocale:   "pt-BR",
		RateLimit:         5,
	}
}

// SetDefaults registers Default() on v so flags, files and the
// environment layer on top of it.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("trust_proxy", d.TrustProxy)
	v.SetDefault("admin_password", d.AdminPassword)
	v.SetDefault("admin_secret", d.AdminSecret)
	v.SetDefault("admin_token_ttl", d.AdminTokenTTL)
	v.SetDefault("public_room_id", d.PublicRoomID)
	v.SetDefault("public_room_name", d.PublicRoomName)
	v.SetDefault("room_capacity", d.RoomCapacity)
	v.SetDefault("direct_capacity", d.DirectCapacity)
	v.SetDefault("max_text_length", d.MaxTextLength)
	v.SetDefault("max_binary_bytes", d.MaxBinaryBytes)
	v.SetDefault("max_emoji_length", d.MaxEmojiLength)
	v.SetDefault("unclaimed_group_ttl", d.UnclaimedGroupTTL)
	v.SetDefault("sample_interval", d.SampleInterval)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("bcrypt_cost", d.BcryptCost)
	v.SetDefault("collation_locale", d.CollationLocale)
	v.SetDefault("rate_limit", d.RateLimit)
}

// BindEnv wires the EPHEMERA_* environment plus the legacy variable names
// the deployment scripts already export.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("ephemera")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	legacy := map[string]string{
		"admin_password": "ADMIN_PASS",
		"admin_secret":   "ADMIN_SECRET",
		"port":           "PORT",
	}
	for key, env := range legacy {
		if err := v.BindEnv(key, "EPHEMERA_"+strings.ToUpper(key), env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if port := strings.TrimSpace(v.GetString("port")); port != "" && cfg.Addr == Default().Addr {
		cfg.Addr = ":" + port
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("addr is required")
	case strings.TrimSpace(c.PublicRoomID) == "":
		return fmt.Errorf("public_room_id is required")
	case c.RoomCapacity <= 0 || c.DirectCapacity <= 0:
		return fmt.Errorf("room and direct capacities must be positive")
	case c.MaxTextLength <= 0 || c.MaxBinaryBytes <= 0 || c.MaxEmojiLength <= 0:
		return fmt.Errorf("message limits must be positive")
	case c.AdminTokenTTL <= 0:
		return fmt.Errorf("admin_token_ttl must be positive")
	case c.SampleInterval <= 0:
		return fmt.Errorf("sample_interval must be positive")
	case c.SendBuffer <= 0:
		return fmt.Errorf("send_buffer must be positive")
	case c.RateLimit <= 0:
		return fmt.Errorf("rate_limit must be positive")
	}
	return nil
}

// ReadLimit bounds one inbound websocket frame. It allows twice the base64
// size of MaxBinaryBytes so an oversized attachment still reaches validation
// and is answered with an error instead of a dropped socket.
func (c Config) ReadLimit() int64 {
	encoded := int64(c.MaxBinaryBytes+2) / 3 * 4
	return 2*encoded + 4*int64(c.MaxTextLength) + envelopeSlack
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.AdminPassword != "" {
		c.AdminPassword = "********"
	}
	if c.AdminSecret != "" {
		c.AdminSecret = "********"
	}
	return c
}
