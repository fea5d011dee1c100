package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: parley_prod
  user: parley
  password: secret

server:
  port: 8080
  allowed_origins: ["chat.example.com"]

log:
  level: debug
  format: console

scheduler:
  context_window: 20
  presentation_delay_ms: 500
  backend_timeout_sec: 15
  max_consecutive_failures: 2

providers:
  openai:
    api_key: sk-openai
    requests_per_second: 2
  anthropic:
    api_key: sk-anthropic
    base_url: http://localhost:9999
    max_tokens: 400
    context_messages: 6

redis:
  addr: 127.0.0.1:6379

bridge:
  platform: slack
  slack:
    bot_token: xoxb-1
    app_token: xapp-1
  rooms:
    - room_id: r-1
      channel_id: C01

janitor:
  cron: "*/5 * * * *"
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" || cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Scheduler.ContextWindow != 20 {
		t.Errorf("ContextWindow = %d, want 20", cfg.Scheduler.ContextWindow)
	}
	if got := cfg.Scheduler.PresentationDelay(); got != 500*time.Millisecond {
		t.Errorf("PresentationDelay() = %v, want 500ms", got)
	}
	if got := cfg.Scheduler.BackendTimeout(); got != 15*time.Second {
		t.Errorf("BackendTimeout() = %v, want 15s", got)
	}
	if cfg.Scheduler.MaxConsecutiveFailures != 2 {
		t.Errorf("MaxConsecutiveFailures = %d, want 2", cfg.Scheduler.MaxConsecutiveFailures)
	}
	if cfg.Providers.Anthropic.BaseURL != "http://localhost:9999" {
		t.Errorf("Anthropic.BaseURL = %q", cfg.Providers.Anthropic.BaseURL)
	}
	if cfg.Providers.Anthropic.MaxTokens != 400 || cfg.Providers.Anthropic.ContextMessages != 6 {
		t.Errorf("Anthropic = %+v", cfg.Providers.Anthropic)
	}
	if cfg.Redis.ChannelPrefix != "parley:room:" {
		t.Errorf("Redis.ChannelPrefix = %q, want default", cfg.Redis.ChannelPrefix)
	}
	if len(cfg.Bridge.Rooms) != 1 || cfg.Bridge.Rooms[0].ChannelID != "C01" {
		t.Errorf("Bridge.Rooms = %+v", cfg.Bridge.Rooms)
	}
	if cfg.Janitor.Cron != "*/5 * * * *" {
		t.Errorf("Janitor.Cron = %q", cfg.Janitor.Cron)
	}
}

func TestParse_EmptyConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "parley.db" {
		t.Errorf("Database = %+v, want sqlite parley.db", cfg.Database)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Scheduler.ContextWindow != 30 {
		t.Errorf("ContextWindow = %d, want 30", cfg.Scheduler.ContextWindow)
	}
	if cfg.Scheduler.PresentationDelayMs != 2000 {
		t.Errorf("PresentationDelayMs = %d, want 2000", cfg.Scheduler.PresentationDelayMs)
	}
	if cfg.Scheduler.MaxConsecutiveFailures != 5 {
		t.Errorf("MaxConsecutiveFailures = %d, want 5", cfg.Scheduler.MaxConsecutiveFailures)
	}
	if cfg.Providers.Anthropic.MaxTokens != 1000 || cfg.Providers.Anthropic.ContextMessages != 10 {
		t.Errorf("Anthropic defaults = %+v", cfg.Providers.Anthropic)
	}
	if len(cfg.Providers.OpenAI.Models) != 3 {
		t.Errorf("OpenAI.Models = %v, want 3 defaults", cfg.Providers.OpenAI.Models)
	}
	if cfg.Redis.Enabled() {
		t.Error("Redis should be disabled without an address")
	}
}

func TestParse_NegativeFailureLimitMeansUnlimited(t *testing.T) {
	cfg, err := Parse([]byte("scheduler:\n  max_consecutive_failures: -1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxConsecutiveFailures != 0 {
		t.Errorf("MaxConsecutiveFailures = %d, want 0", cfg.Scheduler.MaxConsecutiveFailures)
	}
}

func TestParse_ZeroFailureLimitUsesDefault(t *testing.T) {
	cfg, err := Parse([]byte("scheduler:\n  max_consecutive_failures: 0\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxConsecutiveFailures != 5 {
		t.Errorf("MaxConsecutiveFailures = %d, want 5", cfg.Scheduler.MaxConsecutiveFailures)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte("database:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 || cfg.Database.Name != "parley" {
		t.Errorf("Database = %+v", cfg.Database)
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_OPENAI_API_KEY", "sk-env")
	t.Setenv("PARLEY_REDIS_ADDR", "redis:6379")

	cfg, err := Parse([]byte("providers:\n  openai:\n    api_key: sk-file\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-env" {
		t.Errorf("OpenAI.APIKey = %q, want env value", cfg.Providers.OpenAI.APIKey)
	}
	if !cfg.Redis.Enabled() {
		t.Error("Redis should be enabled from env")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", `database.driver "oracle" is not supported`},
		{"bad log level", "log:\n  level: loud\n", `log.level "loud" is not supported`},
		{"bad log format", "log:\n  format: xml\n", `log.format "xml" is not supported`},
		{"port range", "server:\n  port: 70000\n", "server.port 70000 out of range"},
		{"negative window", "scheduler:\n  context_window: -3\n", "scheduler.context_window must not be negative"},
		{"negative rps", "providers:\n  openai:\n    requests_per_second: -1\n", "providers.openai.requests_per_second"},
		{"unknown platform", "bridge:\n  platform: irc\n  rooms: [{room_id: a, channel_id: b}]\n", `bridge.platform "irc"`},
		{"slack tokens", "bridge:\n  platform: slack\n  rooms: [{room_id: a, channel_id: b}]\n", "bridge.slack.bot_token is required"},
		{"discord token", "bridge:\n  platform: discord\n  rooms: [{room_id: a, channel_id: b}]\n", "bridge.discord.bot_token is required"},
		{"bridge without rooms", "bridge:\n  platform: discord\n  discord:\n    bot_token: t\n", "bridge.rooms needs at least one room"},
		{"bridge room missing channel", "bridge:\n  platform: discord\n  discord:\n    bot_token: t\n  rooms: [{room_id: a}]\n", "bridge.rooms[0].channel_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleValidationErrors(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: oracle\nlog:\n  level: loud\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "config: validation failed:") {
		t.Errorf("error = %q, want validation prefix", msg)
	}
	if strings.Count(msg, ";") < 1 {
		t.Errorf("expected both problems joined, got %q", msg)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte(":::invalid"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if !strings.Contains(err.Error(), "config: parse:") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse:")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoad_Unreadable(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error reading a directory")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}
