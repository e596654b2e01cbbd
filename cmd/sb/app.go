package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/channel/natsch"
	"github.com/zulandar/signalbox/internal/channel/redisch"
	"github.com/zulandar/signalbox/internal/channel/wsch"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/restapi"
	"github.com/zulandar/signalbox/internal/session"
)

const defaultConfigPath = "signalbox.yaml"

// apiFromConfig builds the REST client. Tests override it.
var apiFromConfig = func(cfg *config.Config, logger *zap.Logger) (session.API, error) {
	return restapi.New(restapi.Opts{
		BaseURL:  cfg.API.BaseURL,
		Token:    cfg.API.Token,
		Timeout:  cfg.APITimeout(),
		RetryMax: cfg.API.RetryMax,
		Logger:   logger.Named("api"),
	})
}

// dialerFromConfig selects the channel transport. Tests override it.
var dialerFromConfig = transportDialer

func transportDialer(cfg *config.Config, logger *zap.Logger) (channel.Dialer, error) {
	ch := cfg.Channel
	logger = logger.Named("transport")
	switch ch.Transport {
	case config.TransportWebSocket:
		return wsch.Dialer(wsch.Opts{URL: ch.URL, Token: cfg.API.Token, Logger: logger}), nil
	case config.TransportNATS:
		return natsch.Dialer(natsch.Opts{
			URL:           ch.URL,
			Prefix:        ch.Prefix,
			Name:          "signalbox-" + cfg.Organization.OrgID,
			ReconnectWait: cfg.ReconnectWait(),
			Logger:        logger,
		}), nil
	case config.TransportRedis:
		opts := redisch.Opts{
			Addr:     ch.URL,
			Password: ch.RedisPassword,
			DB:       ch.RedisDB,
			Group:    ch.RedisGroup,
			Consumer: ch.RedisConsumer,
			Prefix:   ch.Prefix,
			Logger:   logger,
		}
		if strings.HasPrefix(ch.URL, "redis://") || strings.HasPrefix(ch.URL, "rediss://") {
			ro, err := redis.ParseURL(ch.URL)
			if err != nil {
				return nil, fmt.Errorf("parse redis url: %w", err)
			}
			opts.Addr = ro.Addr
			if opts.Password == "" {
				opts.Password = ro.Password
			}
			if opts.DB == 0 {
				opts.DB = ro.DB
			}
		}
		return redisch.Dialer(opts), nil
	}
	return nil, fmt.Errorf("unknown channel transport %q", ch.Transport)
}

// newLogger builds a production logger at level, or a development logger
// when verbose.
func newLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func sessionContext(cfg *config.Config) session.Context {
	return session.Context{
		OrgID:     cfg.Organization.OrgID,
		ChatbotID: cfg.Organization.ChatbotID,
		Plan:      cfg.Organization.Plan,
	}
}

// app is what every command loads first.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	api    session.API
	dial   channel.Dialer
}

func loadApp(configPath string, verbose bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log.Level, verbose)
	if err != nil {
		return nil, err
	}
	api, err := apiFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	dial, err := dialerFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, api: api, dial: dial}, nil
}

// sessionOpts returns the options every session of this app shares.
func (a *app) sessionOpts() session.Opts {
	return session.Opts{
		Context:         sessionContext(a.cfg),
		API:             a.api,
		Dial:            a.dial,
		Limits:          a.cfg.SourceLimits(),
		RefetchSchedule: a.cfg.Refetch.Schedule,
		Logger:          a.logger,
	}
}

// openSession opens a short-lived session for a one-shot command.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	s, err := session.Open(ctx, a.sessionOpts())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

func (a *app) close() {
	_ = a.logger.Sync()
}

// truncate shortens s to maxLen runes, adding "..." when cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
