package telegraph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
)

const defaultQueue = 64

// Events toggles which notifications are announced.
type Events struct {
	Visitors bool // visitor came online
	Training bool // training completed or failed
}

// AnnouncerOpts holds parameters for NewAnnouncer.
type AnnouncerOpts struct {
	Poster    Poster
	ChannelID string
	Events    Events
	// Digest is an optional 5-field cron expression. On each tick the
	// announcer posts what Summary returns.
	Digest  string
	Summary func() (FormattedEvent, bool)
	Queue   int
	Logger  *zap.Logger
}

// Announcer posts channel notifications to a chat platform. It is a
// channel.Consumer; formatted events are queued and sent by Run so the
// channel pump never waits on the platform.
type Announcer struct {
	poster    Poster
	channelID string
	events    Events
	digest    cron.Schedule
	summary   func() (FormattedEvent, bool)
	logger    *zap.Logger
	queue     chan FormattedEvent
	dropped   atomic.Int64
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewAnnouncer validates opts and creates an Announcer.
func NewAnnouncer(opts AnnouncerOpts) (*Announcer, error) {
	if opts.Poster == nil {
		return nil, errors.New("telegraph: poster is required")
	}
	a := &Announcer{
		poster:    opts.Poster,
		channelID: opts.ChannelID,
		events:    opts.Events,
		summary:   opts.Summary,
		logger:    opts.Logger,
	}
	if opts.Digest != "" {
		if opts.Summary == nil {
			return nil, errors.New("telegraph: digest needs a summary")
		}
		sched, err := cronParser.Parse(opts.Digest)
		if err != nil {
			return nil, fmt.Errorf("telegraph: digest schedule %q: %w", opts.Digest, err)
		}
		a.digest = sched
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	a.queue = make(chan FormattedEvent, opts.Queue)
	return a, nil
}

// HandleNotification implements channel.Consumer.
func (a *Announcer) HandleNotification(_ context.Context, n channel.Notification) {
	switch {
	case n.Visitor != nil:
		if !a.events.Visitors || n.Visitor.Type != channel.UpdateConnected {
			return
		}
		a.enqueue(FormatVisitorOnline(n.Visitor.Visitor))
	case n.Training != nil:
		if !a.events.Training {
			return
		}
		if e, ok := FormatTraining(n.Event, *n.Training); ok {
			a.enqueue(e)
		}
	}
}

func (a *Announcer) enqueue(e FormattedEvent) {
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1)%50 == 1 {
			a.logger.Warn("telegraph queue full, dropping events", zap.Int64("dropped", a.dropped.Load()))
		}
	}
}

// Dropped returns how many events were dropped on a full queue.
func (a *Announcer) Dropped() int64 { return a.dropped.Load() }

// Run connects the poster and sends queued events until ctx is done. What
// is still queued at shutdown is sent before the poster is closed.
func (a *Announcer) Run(ctx context.Context) error {
	if err := a.poster.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}
	a.logger.Info("telegraph online", zap.String("channel", a.channelID))

	var timer *time.Timer
	if a.digest != nil {
		timer = time.NewTimer(time.Until(a.digest.Next(time.Now())))
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			a.drain()
			if err := a.poster.Close(); err != nil {
				a.logger.Warn("telegraph close", zap.Error(err))
			}
			return nil
		case e := <-a.queue:
			a.send(ctx, e)
		case <-timerChan(timer):
			if e, ok := a.summary(); ok {
				a.send(ctx, e)
			}
			timer.Reset(time.Until(a.digest.Next(time.Now())))
		}
	}
}

func (a *Announcer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-a.queue:
			a.send(ctx, e)
		default:
			return
		}
	}
}

func (a *Announcer) send(ctx context.Context, e FormattedEvent) {
	err := a.poster.Send(ctx, OutboundMessage{ChannelID: a.channelID, Events: []FormattedEvent{e}})
	if err != nil {
		a.logger.Warn("telegraph send", zap.String("title", e.Title), zap.Error(err))
	}
}

// timerChan returns the timer's channel, or nil if the timer is nil.
func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
