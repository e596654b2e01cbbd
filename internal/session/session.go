// Package session binds the channel adapter, the presence register and the
// training aggregator to one organization for the lifetime of a session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/presence"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/syncerr"
	"github.com/zulandar/signalbox/internal/training"
)

// DefaultRefetchSchedule is used when Opts.RefetchSchedule is empty.
const DefaultRefetchSchedule = "@every 30s"

// Context is the explicit per-session identity every component is built for.
type Context struct {
	OrgID     string
	ChatbotID string
	Plan      string
}

// Scope returns the channel scope of c.
func (c Context) Scope() channel.Scope {
	return channel.Scope{OrgID: c.OrgID, ChatbotID: c.ChatbotID}
}

// Validate checks that c names an organization and a chatbot.
func (c Context) Validate() error {
	var errs []error
	if c.OrgID == "" {
		errs = append(errs, errors.New("org id is required"))
	}
	if c.ChatbotID == "" {
		errs = append(errs, errors.New("chatbot id is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: %w", errors.Join(errs...))
	}
	return nil
}

// API is every REST collaborator a session needs.
type API interface {
	presence.VisitorAPI
	presence.ConversationAPI
	training.AutomationAPI
}

// Opts holds parameters for Open.
type Opts struct {
	Context Context
	API     API
	// Adapter is a shared channel adapter. When nil, the session creates
	// one from Dial and closes it on Close.
	Adapter *channel.Adapter
	Dial    channel.Dialer
	Limits  training.Limits
	// RefetchSchedule is the cron schedule of manual re-fetches while the
	// channel is unavailable.
	RefetchSchedule string
	// Consumers receive channel notifications after presence and training,
	// in the order given.
	Consumers []NamedConsumer
	// Runners run alongside the fallback loop in Run.
	Runners []func(ctx context.Context) error
	// Observers receive every mutation result.
	Observers []func(reconcile.Result)
	Logger    *zap.Logger
}

// NamedConsumer is an extra channel consumer.
type NamedConsumer struct {
	Name     string
	Consumer channel.Consumer
}

// Session is one organization's synchronized view.
type Session struct {
	ctx      Context
	logger   *zap.Logger
	api      API
	adapter  *channel.Adapter
	ownsChan bool
	coord    *reconcile.Coordinator
	presence *presence.Register
	inviter  *presence.Inviter
	training *training.Aggregator
	schedule cron.Schedule
	runners  []func(ctx context.Context) error

	subs        []*channel.Subscription
	unobserve   []func()
	unwatch     func()
	kick        chan struct{}
	closeOnce   sync.Once
	closeErr    error
	runMu       sync.Mutex
	lastRefetch time.Time
}

// Open builds a session for opts.Context, opens the channel for its scope,
// subscribes the registers and seeds them from REST. An unavailable channel
// does not fail Open: the session runs on scheduled re-fetches until the
// channel comes back.
func Open(ctx context.Context, opts Opts) (*Session, error) {
	if err := opts.Context.Validate(); err != nil {
		return nil, err
	}
	if opts.API == nil {
		return nil, errors.New("session: api is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("org", opts.Context.OrgID), zap.String("chatbot", opts.Context.ChatbotID))

	expr := opts.RefetchSchedule
	if expr == "" {
		expr = DefaultRefetchSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("session: parse refetch schedule %q: %w", expr, err)
	}

	adapter, owns := opts.Adapter, false
	if adapter == nil {
		if opts.Dial == nil {
			return nil, errors.New("session: adapter or dialer is required")
		}
		adapter, err = channel.NewAdapter(channel.AdapterOpts{Dial: opts.Dial, Logger: logger.Named("channel")})
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		owns = true
	}

	coord := reconcile.NewCoordinator(reconcile.CoordinatorOpts{Logger: logger.Named("mutations")})
	reg := presence.NewRegister(presence.RegisterOpts{Logger: logger.Named("presence")})
	inviter, err := presence.NewInviter(presence.InviterOpts{
		Register:    reg,
		API:         opts.API,
		Emitter:     adapter,
		Coordinator: coord,
		ChatbotID:   opts.Context.ChatbotID,
		Logger:      logger.Named("invite"),
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	agg, err := training.NewAggregator(training.AggregatorOpts{
		API:         opts.API,
		Coordinator: coord,
		ChatbotID:   opts.Context.ChatbotID,
		Limits:      opts.Limits,
		Logger:      logger.Named("training"),
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		ctx:      opts.Context,
		logger:   logger,
		api:      opts.API,
		adapter:  adapter,
		ownsChan: owns,
		coord:    coord,
		presence: reg,
		inviter:  inviter,
		training: agg,
		schedule: schedule,
		runners:  opts.Runners,
		kick:     make(chan struct{}, 1),
	}
	for _, fn := range opts.Observers {
		s.unobserve = append(s.unobserve, coord.Observe(fn))
	}
	s.unwatch = adapter.OnStateChange(func(st channel.State, err error) {
		if st == channel.StateUnavailable {
			s.requestRefetch()
		}
	})

	if err := adapter.Open(ctx, opts.Context.Scope()); err != nil {
		if syncerr.KindOf(err) != syncerr.KindTransport {
			_ = s.Close()
			return nil, err
		}
		logger.Warn("channel unavailable at open; falling back to scheduled re-fetch", zap.Error(err))
	}

	if err := s.subscribe("presence", reg); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.subscribe("training", agg); err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, nc := range opts.Consumers {
		if err := s.subscribe(nc.Name, nc.Consumer); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	if err := s.Resync(ctx); err != nil {
		logger.Warn("initial fetch incomplete", zap.Error(err))
	}
	logger.Info("session opened", zap.String("channel", adapter.State().String()))
	return s, nil
}

func (s *Session) subscribe(name string, c channel.Consumer) error {
	sub, err := s.adapter.Subscribe(name, c)
	if err != nil {
		return fmt.Errorf("session: subscribe %s: %w", name, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Session) requestRefetch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Resync re-fetches the visitor list and the automation record.
func (s *Session) Resync(ctx context.Context) error {
	err := multierr.Combine(
		s.presence.Bootstrap(ctx, s.api, s.ctx.ChatbotID),
		s.training.Refresh(ctx),
	)
	s.runMu.Lock()
	s.lastRefetch = time.Now()
	s.runMu.Unlock()
	return err
}

// Run drives the fallback loop, and any extra runners, until ctx is done.
// While the channel is unavailable the loop reconnects and re-fetches on the
// refetch schedule; it re-fetches at once whenever the channel drops.
// A runner that fails is logged and does not stop the loop.
func (s *Session) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return s.fallbackLoop(ctx) })
	for i, run := range s.runners {
		g.Go(func() error {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("session runner stopped", zap.Int("runner", i), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Session) fallbackLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			s.refetch(ctx, "channel dropped")
		case <-timer.C:
			if s.adapter.State() != channel.StateAvailable {
				if err := s.adapter.Reconnect(ctx); err == nil {
					s.logger.Info("channel reconnected")
				}
				s.refetch(ctx, "scheduled")
			}
			timer.Reset(time.Until(s.schedule.Next(time.Now())))
		}
	}
}

func (s *Session) refetch(ctx context.Context, reason string) {
	if err := s.Resync(ctx); err != nil {
		s.logger.Warn("re-fetch failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	s.logger.Debug("re-fetched", zap.String("reason", reason))
}

// Invite runs the invitation handshake for a known visitor.
func (s *Session) Invite(ctx context.Context, visitorID string) (presence.Invitation, error) {
	v, ok := s.presence.Get(visitorID)
	if !ok {
		return presence.Invitation{}, syncerr.Validation("invite", visitorID, errors.New("unknown visitor"))
	}
	return s.inviter.Invite(ctx, v)
}

// AddSource adds a knowledge source.
func (s *Session) AddSource(ctx context.Context, kind models.SourceKind, src models.TrainingSource) error {
	return s.training.AddSource(ctx, kind, src)
}

// RemoveSource removes a knowledge source.
func (s *Session) RemoveSource(ctx context.Context, kind models.SourceKind, key string) error {
	return s.training.RemoveSource(ctx, kind, key)
}

// TriggerTraining starts a training job.
func (s *Session) TriggerTraining(ctx context.Context) error {
	return s.training.TriggerTraining(ctx)
}

// Close disposes every subscription and, when the session owns it, closes
// the channel. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		if s.unwatch != nil {
			s.unwatch()
		}
		for _, fn := range s.unobserve {
			fn()
		}
		if s.ownsChan {
			s.closeErr = multierr.Append(s.closeErr, s.adapter.Close())
		}
		s.logger.Info("session closed")
	})
	return s.closeErr
}

// Context returns the session's identity.
func (s *Session) Context() Context { return s.ctx }

// Presence returns the visitor register.
func (s *Session) Presence() *presence.Register { return s.presence }

// Inviter returns the invitation handshake.
func (s *Session) Inviter() *presence.Inviter { return s.inviter }

// Training returns the training aggregator.
func (s *Session) Training() *training.Aggregator { return s.training }

// Coordinator returns the mutation coordinator.
func (s *Session) Coordinator() *reconcile.Coordinator { return s.coord }

// Adapter returns the channel adapter.
func (s *Session) Adapter() *channel.Adapter { return s.adapter }

// ChannelState returns the channel's connection state.
func (s *Session) ChannelState() channel.State { return s.adapter.State() }

// LastRefetch returns when the last manual re-fetch ran.
func (s *Session) LastRefetch() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRefetch
}
