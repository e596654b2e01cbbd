package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

const fullYAML = `
organization:
  org_id: "42"
  chatbot_id: bot-7
  plan: Basic

api:
  base_url: https://api.example.com/v1
  token: file-token
  timeout_sec: 20
  retry_max: 5

channel:
  transport: nats
  url: nats://10.0.0.5:4222
  prefix: rhn
  reconnect_sec: 2

refetch:
  schedule: "*/5 * * * *"

limits:
  Basic:
    website: 10
    article: 0
  Pro:
    file: 50

dashboard:
  enabled: true
  port: 9090
  metrics: true

journal:
  enabled: true
  driver: mysql
  host: db.internal
  database: sb_journal
  user: sb
  retention_days: 7

telegraph:
  platform: slack
  channel_id: C123
  slack:
    bot_token: xoxb-file
  events:
    visitors: true
    training: true
  digest: "0 9 * * 1-5"

log:
  level: debug
`

const minimalYAML = `
organization:
  org_id: org-1
  chatbot_id: bot-1
api:
  base_url: http://localhost:3000
channel:
  url: ws://localhost:3000/socket
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Organization.OrgID != "42" || cfg.Organization.ChatbotID != "bot-7" || cfg.Organization.Plan != "Basic" {
		t.Errorf("Organization = %+v", cfg.Organization)
	}
	if cfg.API.BaseURL != "https://api.example.com/v1" || cfg.API.Token != "file-token" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.APITimeout() != 20*time.Second {
		t.Errorf("APITimeout = %v, want 20s", cfg.APITimeout())
	}
	if cfg.API.RetryMax != 5 {
		t.Errorf("RetryMax = %d, want 5", cfg.API.RetryMax)
	}
	if cfg.Channel.Transport != TransportNATS || cfg.Channel.Prefix != "rhn" {
		t.Errorf("Channel = %+v", cfg.Channel)
	}
	if cfg.ReconnectWait() != 2*time.Second {
		t.Errorf("ReconnectWait = %v, want 2s", cfg.ReconnectWait())
	}
	if cfg.Refetch.Schedule != "*/5 * * * *" {
		t.Errorf("Refetch.Schedule = %q", cfg.Refetch.Schedule)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9090 || !cfg.Dashboard.Metrics {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	if cfg.Journal.Driver != "mysql" || cfg.Journal.Host != "db.internal" || cfg.Journal.Port != 3306 {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.Journal.RetentionDays)
	}
	if cfg.Telegraph.Platform != PlatformSlack || cfg.Telegraph.ChannelID != "C123" {
		t.Errorf("Telegraph = %+v", cfg.Telegraph)
	}
	if !cfg.Telegraph.Events.Visitors || !cfg.Telegraph.Events.Training {
		t.Errorf("Telegraph.Events = %+v", cfg.Telegraph.Events)
	}
	if cfg.Telegraph.Digest != "0 9 * * 1-5" {
		t.Errorf("Telegraph.Digest = %q", cfg.Telegraph.Digest)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

func TestParse_MinimalDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Organization.Plan != "Trial" {
		t.Errorf("Plan = %q, want Trial", cfg.Organization.Plan)
	}
	if cfg.API.TimeoutSec != 15 || cfg.API.RetryMax != 3 {
		t.Errorf("API defaults = %+v", cfg.API)
	}
	if cfg.Channel.Transport != TransportWebSocket {
		t.Errorf("Transport = %q, want websocket", cfg.Channel.Transport)
	}
	if cfg.Channel.Prefix != "signalbox" {
		t.Errorf("Prefix = %q, want signalbox", cfg.Channel.Prefix)
	}
	if cfg.Refetch.Schedule != "@every 30s" {
		t.Errorf("Refetch.Schedule = %q, want @every 30s", cfg.Refetch.Schedule)
	}
	if cfg.Dashboard.Enabled || cfg.Dashboard.Port != 8080 {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	if cfg.Journal.Enabled || cfg.Journal.Driver != "sqlite" || cfg.Journal.Path != "signalbox-journal.db" {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
	if cfg.Telegraph.Platform != "" {
		t.Errorf("Telegraph.Platform = %q, want empty", cfg.Telegraph.Platform)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestParse_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("SB_API_TOKEN", "env-token")
	t.Setenv("SB_SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("SB_DISCORD_BOT_TOKEN", "discord-env")

	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.API.Token != "env-token" {
		t.Errorf("API.Token = %q, want env-token", cfg.API.Token)
	}
	if cfg.Telegraph.Slack.BotToken != "xoxb-env" {
		t.Errorf("Slack.BotToken = %q, want xoxb-env", cfg.Telegraph.Slack.BotToken)
	}
	if cfg.Telegraph.Discord.BotToken != "discord-env" {
		t.Errorf("Discord.BotToken = %q, want discord-env", cfg.Telegraph.Discord.BotToken)
	}
}

func TestParse_EnvTokenSatisfiesTelegraph(t *testing.T) {
	t.Setenv("SB_DISCORD_BOT_TOKEN", "discord-env")
	yml := minimalYAML + `
telegraph:
  platform: discord
  channel_id: "1234"
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegraph.Discord.BotToken != "discord-env" {
		t.Errorf("Discord.BotToken = %q", cfg.Telegraph.Discord.BotToken)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing org", `
organization: {chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
`, "organization.org_id is required"},
		{"missing chatbot", `
organization: {org_id: o}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
`, "organization.chatbot_id is required"},
		{"relative base url", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "/v1"}
channel: {url: "ws://x"}
`, "not an absolute URL"},
		{"unknown transport", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {transport: kafka, url: "x"}
`, "must be websocket, nats or redis"},
		{"missing channel url", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
`, "channel.url is required"},
		{"bad schedule", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
refetch: {schedule: "whenever"}
`, "refetch.schedule"},
		{"unknown limit kind", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
limits: {Trial: {video: 1}}
`, `unknown kind "video"`},
		{"negative limit", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
limits: {Trial: {file: -1}}
`, "must not be negative"},
		{"bad journal driver", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
journal: {enabled: true, driver: postgres}
`, "journal.driver"},
		{"slack without token", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
telegraph: {platform: slack, channel_id: C1}
`, "telegraph.slack.bot_token is required"},
		{"telegraph without channel", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
telegraph: {platform: discord, discord: {bot_token: t}}
`, "telegraph.channel_id is required"},
		{"unknown platform", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
telegraph: {platform: teams, channel_id: c}
`, "must be slack or discord"},
		{"bad log level", `
organization: {org_id: o, chatbot_id: b}
api: {base_url: "http://x"}
channel: {url: "ws://x"}
log: {level: verbose}
`, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleErrors(t *testing.T) {
	_, err := Parse([]byte(`log: {level: info}`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"org_id", "chatbot_id", "base_url", "channel.url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("organization: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSourceLimits(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := cfg.SourceLimits()
	want := map[models.SourceKind]int{
		models.KindWebsite: 10,
		models.KindArticle: 0,
		models.KindFile:    DefaultSourceLimit,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("limit[%s] = %d, want %d", k, got[k], n)
		}
	}

	cfg.Organization.Plan = "Enterprise"
	for _, k := range models.SourceKinds {
		if n := cfg.SourceLimits()[k]; n != DefaultSourceLimit {
			t.Errorf("unlisted plan limit[%s] = %d, want %d", k, n, DefaultSourceLimit)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signalbox.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Organization.OrgID != "org-1" {
		t.Errorf("OrgID = %q", cfg.Organization.OrgID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Errorf("expected read error, got %v", err)
	}
}
