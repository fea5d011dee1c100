// Package config provides YAML-based configuration loading for Parley.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Parley configuration, loaded from parley.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Providers ProvidersConfig `yaml:"providers"`
	Redis     RedisConfig     `yaml:"redis"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Janitor   JanitorConfig   `yaml:"janitor"`
}

// DatabaseConfig selects and locates the room store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DSN      string `yaml:"dsn"` // overrides the individual fields when set
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // websocket origin patterns
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// SchedulerConfig tunes the per-room turn loop.
type SchedulerConfig struct {
	ContextWindow          int `yaml:"context_window"`
	PresentationDelayMs    int `yaml:"presentation_delay_ms"`
	BackendTimeoutSec      int `yaml:"backend_timeout_sec"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"` // 0 = default (5); negative = never give up
}

// PresentationDelay returns the pause between the typing event and the message.
func (s SchedulerConfig) PresentationDelay() time.Duration {
	return time.Duration(s.PresentationDelayMs) * time.Millisecond
}

// BackendTimeout returns the per-call responder timeout.
func (s SchedulerConfig) BackendTimeout() time.Duration {
	return time.Duration(s.BackendTimeoutSec) * time.Second
}

// ProvidersConfig holds per-backend settings.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one responder backend. APIKey is a deployment
// fallback used when the triggering user has no stored key.
type ProviderConfig struct {
	APIKey            string   `yaml:"api_key"`
	BaseURL           string   `yaml:"base_url"`
	Models            []string `yaml:"models"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	MaxTokens         int      `yaml:"max_tokens"`
	ContextMessages   int      `yaml:"context_messages"` // 0 = whole window
}

// RedisConfig enables cross-instance event fan-out when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// Enabled reports whether a Redis relay should be started.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// BridgeConfig mirrors rooms into a chat platform channel.
type BridgeConfig struct {
	Platform string             `yaml:"platform"` // "", "slack" or "discord"
	Slack    SlackConfig        `yaml:"slack"`
	Discord  DiscordConfig      `yaml:"discord"`
	Rooms    []BridgeRoomConfig `yaml:"rooms"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// BridgeRoomConfig pairs a room with a platform channel.
type BridgeRoomConfig struct {
	RoomID    string `yaml:"room_id"`
	ChannelID string `yaml:"channel_id"`
}

// JanitorConfig schedules the stale-guard sweep.
type JanitorConfig struct {
	Cron string `yaml:"cron"` // 5-field cron expression; empty disables the schedule
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file yields the defaults, so a bare `parley serve` works.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays secrets and endpoints from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Providers.OpenAI.APIKey, "PARLEY_OPENAI_API_KEY")
	set(&c.Providers.Anthropic.APIKey, "PARLEY_ANTHROPIC_API_KEY")
	set(&c.Database.DSN, "PARLEY_DATABASE_DSN")
	set(&c.Redis.Addr, "PARLEY_REDIS_ADDR")
	set(&c.Bridge.Slack.BotToken, "PARLEY_SLACK_BOT_TOKEN")
	set(&c.Bridge.Slack.AppToken, "PARLEY_SLACK_APP_TOKEN")
	set(&c.Bridge.Discord.BotToken, "PARLEY_DISCORD_BOT_TOKEN")
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "parley.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "parley"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Scheduler.ContextWindow == 0 {
		c.Scheduler.ContextWindow = 30
	}
	if c.Scheduler.PresentationDelayMs == 0 {
		c.Scheduler.PresentationDelayMs = 2000
	}
	if c.Scheduler.BackendTimeoutSec == 0 {
		c.Scheduler.BackendTimeoutSec = 60
	}
	if c.Scheduler.MaxConsecutiveFailures == 0 {
		c.Scheduler.MaxConsecutiveFailures = 5
	}
	if c.Scheduler.MaxConsecutiveFailures < 0 {
		// Negative in YAML is the explicit "never give up" spelling.
		c.Scheduler.MaxConsecutiveFailures = 0
	}

	oa := &c.Providers.OpenAI
	if oa.BaseURL == "" {
		oa.BaseURL = "https://api.openai.com"
	}
	if len(oa.Models) == 0 {
		oa.Models = []string{"gpt-4-turbo", "gpt-4o", "gpt-4o-mini"}
	}
	an := &c.Providers.Anthropic
	if an.BaseURL == "" {
		an.BaseURL = "https://api.anthropic.com"
	}
	if len(an.Models) == 0 {
		an.Models = []string{"claude-3-5-sonnet-20240620", "claude-3-opus-20240229", "claude-3-haiku-20240307"}
	}
	if an.MaxTokens == 0 {
		an.MaxTokens = 1000
	}
	if an.ContextMessages == 0 {
		an.ContextMessages = 10
	}

	if c.Redis.Enabled() && c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "parley:room:"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	if c.Scheduler.ContextWindow < 0 {
		errs = append(errs, "scheduler.context_window must not be negative")
	}
	if c.Scheduler.PresentationDelayMs < 0 {
		errs = append(errs, "scheduler.presentation_delay_ms must not be negative")
	}
	if c.Scheduler.BackendTimeoutSec < 0 {
		errs = append(errs, "scheduler.backend_timeout_sec must not be negative")
	}
	if c.Providers.OpenAI.RequestsPerSecond < 0 {
		errs = append(errs, "providers.openai.requests_per_second must not be negative")
	}
	if c.Providers.Anthropic.RequestsPerSecond < 0 {
		errs = append(errs, "providers.anthropic.requests_per_second must not be negative")
	}

	switch c.Bridge.Platform {
	case "":
	case "slack":
		if c.Bridge.Slack.BotToken == "" {
			errs = append(errs, "bridge.slack.bot_token is required")
		}
		if c.Bridge.Slack.AppToken == "" {
			errs = append(errs, "bridge.slack.app_token is required")
		}
	case "discord":
		if c.Bridge.Discord.BotToken == "" {
			errs = append(errs, "bridge.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("bridge.platform %q is not supported (slack, discord)", c.Bridge.Platform))
	}
	if c.Bridge.Platform != "" && len(c.Bridge.Rooms) == 0 {
		errs = append(errs, "bridge.rooms needs at least one room when a platform is set")
	}
	for i, r := range c.Bridge.Rooms {
		if r.RoomID == "" {
			errs = append(errs, fmt.Sprintf("bridge.rooms[%d].room_id is required", i))
		}
		if r.ChannelID == "" {
			errs = append(errs, fmt.Sprintf("bridge.rooms[%d].channel_id is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
