// Package discord implements the telegraph Poster for Discord over the REST API.
package discord

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Poster implements telegraph.Poster for Discord.
type Poster struct {
	sess        session
	botToken    string
	channelID   string // default channel for messages
	botUserID   string
	logger      *zap.Logger
	mu          sync.Mutex
	connected   bool
	closed      bool
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// PosterOpts holds parameters for creating a Discord Poster.
type PosterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default channel to post to
	Logger    *zap.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Poster.
func New(opts PosterOpts) (*Poster, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poster{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		channelID:   opts.ChannelID,
		logger:      logger,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect checks the bot token by fetching the bot's own user. No gateway
// connection is opened; posting only needs REST.
func (p *Poster) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("discord: poster already closed")
	}
	if p.connected {
		return nil
	}
	if p.sess == nil {
		dg, err := discordgo.New("Bot " + p.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		p.sess = dg
	}
	me, err := p.sess.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: fetch bot user: %w", err)
	}
	p.botUserID = me.ID
	p.connected = true
	return nil
}

// Send delivers a message to Discord. Events become embeds.
func (p *Poster) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	p.mu.Unlock()

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = p.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := buildMessageSend(msg)
	err := p.retryOnRateLimit(ctx, func() error {
		_, sendErr := p.sess.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close marks the poster closed.
func (p *Poster) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connected = false
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (p *Poster) BotUserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.botUserID
}

// buildMessageSend translates an OutboundMessage into a Discord MessageSend.
func buildMessageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{
		Content: msg.Text,
	}
	for _, evt := range msg.Events {
		data.Embeds = append(data.Embeds, eventToEmbed(evt))
	}
	return data
}

// eventToEmbed converts a FormattedEvent to a Discord Embed.
func eventToEmbed(evt telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       evt.Title,
		Description: evt.Body,
	}
	if evt.Color != "" {
		embed.Color = parseHexColor(evt.Color)
	}
	for _, f := range evt.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (p *Poster) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
		if wait > p.maxBackoff {
			wait = p.maxBackoff
		}
		p.logger.Warn("discord rate limited",
			zap.Int("attempt", attempt+1), zap.Int("max", maxRetries), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
