// Package config provides YAML-based configuration loading for signalbox.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/training"
)

// Channel transports.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
)

// Telegraph platforms.
const (
	PlatformSlack   = "slack"
	PlatformDiscord = "discord"
)

// DefaultSourceLimit applies to every kind of a plan with no limits entry.
const DefaultSourceLimit = 3

// Config is the top-level signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Organization OrganizationConfig        `yaml:"organization"`
	API          APIConfig                 `yaml:"api"`
	Channel      ChannelConfig             `yaml:"channel"`
	Refetch      RefetchConfig             `yaml:"refetch"`
	Limits       map[string]map[string]int `yaml:"limits"`
	Dashboard    DashboardConfig           `yaml:"dashboard"`
	Journal      JournalConfig             `yaml:"journal"`
	Telegraph    TelegraphConfig           `yaml:"telegraph"`
	Log          LogConfig                 `yaml:"log"`
}

// OrganizationConfig names the organization a session opens for.
type OrganizationConfig struct {
	OrgID     string `yaml:"org_id"`
	ChatbotID string `yaml:"chatbot_id"`
	Plan      string `yaml:"plan"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Token      string `yaml:"token"`
	TimeoutSec int    `yaml:"timeout_sec"`
	RetryMax   int    `yaml:"retry_max"`
}

// ChannelConfig selects and configures the push transport.
type ChannelConfig struct {
	Transport     string `yaml:"transport"`
	URL           string `yaml:"url"`
	Prefix        string `yaml:"prefix"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisGroup    string `yaml:"redis_group"`
	RedisConsumer string `yaml:"redis_consumer"`
	ReconnectSec  int    `yaml:"reconnect_sec"`
}

// RefetchConfig controls polling while the channel is unavailable.
type RefetchConfig struct {
	Schedule string `yaml:"schedule"`
}

// DashboardConfig controls the read-only HTTP surface.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
	Metrics bool `yaml:"metrics"`
}

// JournalConfig controls the diagnostics journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	RetentionDays int    `yaml:"retention_days"`
}

// TelegraphConfig controls chat-ops announcements.
type TelegraphConfig struct {
	Platform  string        `yaml:"platform"`
	ChannelID string        `yaml:"channel_id"`
	Slack     SlackConfig   `yaml:"slack"`
	Discord   DiscordConfig `yaml:"discord"`
	Events    EventsConfig  `yaml:"events"`
	Digest    string        `yaml:"digest"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// EventsConfig toggles announced events.
type EventsConfig struct {
	Visitors bool `yaml:"visitors"`
	Training bool `yaml:"training"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Secrets set in the
// environment override the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SB_API_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("SB_SLACK_BOT_TOKEN"); v != "" {
		c.Telegraph.Slack.BotToken = v
	}
	if v := os.Getenv("SB_DISCORD_BOT_TOKEN"); v != "" {
		c.Telegraph.Discord.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Organization.Plan == "" {
		c.Organization.Plan = "Trial"
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 15
	}
	if c.API.RetryMax == 0 {
		c.API.RetryMax = 3
	}
	if c.Channel.Transport == "" {
		c.Channel.Transport = TransportWebSocket
	}
	if c.Channel.Prefix == "" {
		c.Channel.Prefix = "signalbox"
	}
	if c.Channel.Transport == TransportRedis && c.Channel.RedisGroup != "" && c.Channel.RedisConsumer == "" {
		if host, err := os.Hostname(); err == nil {
			c.Channel.RedisConsumer = host
		}
	}
	if c.Refetch.Schedule == "" {
		c.Refetch.Schedule = "@every 30s"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "sqlite"
	}
	if c.Journal.Driver == "sqlite" && c.Journal.Path == "" {
		c.Journal.Path = "signalbox-journal.db"
	}
	if c.Journal.Driver == "mysql" {
		if c.Journal.Host == "" {
			c.Journal.Host = "127.0.0.1"
		}
		if c.Journal.Port == 0 {
			c.Journal.Port = 3306
		}
		if c.Journal.Database == "" {
			c.Journal.Database = "signalbox"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Organization.OrgID == "" {
		errs = append(errs, "organization.org_id is required")
	}
	if c.Organization.ChatbotID == "" {
		errs = append(errs, "organization.chatbot_id is required")
	}
	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}

	switch c.Channel.Transport {
	case TransportWebSocket, TransportNATS, TransportRedis:
	default:
		errs = append(errs, fmt.Sprintf("channel.transport %q must be websocket, nats or redis", c.Channel.Transport))
	}
	if c.Channel.URL == "" {
		errs = append(errs, "channel.url is required")
	}
	if _, err := cron.ParseStandard(c.Refetch.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("refetch.schedule %q: %v", c.Refetch.Schedule, err))
	}

	for plan, kinds := range c.Limits {
		for kind, n := range kinds {
			if _, err := models.ParseSourceKind(kind); err != nil {
				errs = append(errs, fmt.Sprintf("limits.%s: unknown kind %q", plan, kind))
			} else if n < 0 {
				errs = append(errs, fmt.Sprintf("limits.%s.%s must not be negative", plan, kind))
			}
		}
	}

	if c.Journal.Enabled {
		switch c.Journal.Driver {
		case "sqlite", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("journal.driver %q must be sqlite or mysql", c.Journal.Driver))
		}
	}

	switch c.Telegraph.Platform {
	case "":
	case PlatformSlack:
		if c.Telegraph.Slack.BotToken == "" {
			errs = append(errs, "telegraph.slack.bot_token is required (or SB_SLACK_BOT_TOKEN)")
		}
	case PlatformDiscord:
		if c.Telegraph.Discord.BotToken == "" {
			errs = append(errs, "telegraph.discord.bot_token is required (or SB_DISCORD_BOT_TOKEN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	if c.Telegraph.Platform != "" && c.Telegraph.ChannelID == "" {
		errs = append(errs, "telegraph.channel_id is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SourceLimits returns the per-kind source limits of the configured plan.
// Kinds the plan leaves out get DefaultSourceLimit; a configured 0 means
// unlimited.
func (c *Config) SourceLimits() training.Limits {
	limits := training.Limits{}
	plan := c.Limits[c.Organization.Plan]
	for _, k := range models.SourceKinds {
		limits[k] = DefaultSourceLimit
	}
	for name, n := range plan {
		if k, err := models.ParseSourceKind(name); err == nil {
			limits[k] = n
		}
	}
	return limits
}

// APITimeout returns the REST timeout as a duration.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

// ReconnectWait returns the transport reconnect wait as a duration.
func (c *Config) ReconnectWait() time.Duration {
	return time.Duration(c.Channel.ReconnectSec) * time.Second
}
