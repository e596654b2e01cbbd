// Package natsch is a NATS transport for the channel adapter. A relay
// publishes organization events as JSON envelopes on
// <prefix>.<org>.events and reads directives from <prefix>.<org>.directives.
package natsch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
)

// DefaultPrefix is the subject prefix used when Opts.Prefix is empty.
const DefaultPrefix = "signalbox"

const inboundBuffer = 256

// Opts holds parameters for New.
type Opts struct {
	URL    string
	Prefix string
	Name   string
	// MaxReconnects bounds client-level reconnects before the transport
	// reports a drop. Zero disables them.
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

// EventsSubject returns the subject events for org are published on.
func EventsSubject(prefix, org string) string { return subject(prefix, org, "events") }

// DirectivesSubject returns the subject directives for org are sent to.
func DirectivesSubject(prefix, org string) string { return subject(prefix, org, "directives") }

func subject(prefix, org, leaf string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.Join([]string{prefix, org, leaf}, ".")
}

// Transport implements channel.Transport over a NATS connection.
type Transport struct {
	opts   Opts
	logger *zap.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	scope  channel.Scope
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

// New validates opts and creates an unconnected Transport.
func New(opts Opts) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("natsch: url is required")
	}
	if opts.Name == "" {
		opts.Name = "signalbox"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{opts: opts, logger: logger, done: make(chan struct{})}, nil
}

// Dialer returns a channel.Dialer that creates a fresh Transport per dial.
func Dialer(opts Opts) channel.Dialer {
	return func() (channel.Transport, error) { return New(opts) }
}

// Connect opens the NATS connection and subscribes to scope's events.
func (t *Transport) Connect(ctx context.Context, scope channel.Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("natsch: transport is closed")
	}
	if t.nc != nil {
		return errors.New("natsch: already connected")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("natsch: connect: %w", err)
	}

	options := []nats.Option{
		nats.Name(t.opts.Name),
		nats.ReconnectWait(t.opts.ReconnectWait),
		nats.ClosedHandler(func(*nats.Conn) { t.signalDone() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	}
	if t.opts.MaxReconnects > 0 {
		options = append(options, nats.MaxReconnects(t.opts.MaxReconnects))
	} else {
		options = append(options, nats.NoReconnect())
	}
	if d, ok := ctx.Deadline(); ok {
		options = append(options, nats.Timeout(time.Until(d)))
	}

	nc, err := nats.Connect(t.opts.URL, options...)
	if err != nil {
		return fmt.Errorf("natsch: connect: %w", err)
	}
	msgs := make(chan *nats.Msg, inboundBuffer)
	sub, err := nc.ChanSubscribe(EventsSubject(t.opts.Prefix, scope.OrgID), msgs)
	if err != nil {
		nc.Close()
		return fmt.Errorf("natsch: subscribe: %w", err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return fmt.Errorf("natsch: flush: %w", err)
	}
	t.nc, t.sub, t.msgs, t.scope = nc, sub, msgs, scope
	t.logger.Debug("nats connected", zap.String("org", scope.OrgID), zap.String("subject", sub.Subject))
	return nil
}

// Listen returns the inbound stream. It closes when the connection is
// closed, by Close or after reconnects are exhausted.
func (t *Transport) Listen(ctx context.Context) (<-chan channel.Envelope, error) {
	t.mu.Lock()
	msgs := t.msgs
	t.mu.Unlock()
	if msgs == nil {
		return nil, errors.New("natsch: not connected")
	}
	out := make(chan channel.Envelope, inboundBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case m := <-msgs:
				var env channel.Envelope
				if err := json.Unmarshal(m.Data, &env); err != nil || env.Event == "" {
					t.logger.Warn("dropping malformed message", zap.String("subject", m.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				case <-t.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Emit publishes env on the directives subject.
func (t *Transport) Emit(ctx context.Context, env channel.Envelope) error {
	t.mu.Lock()
	nc, scope := t.nc, t.scope
	t.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return errors.New("natsch: not connected")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("natsch: emit %s: %w", env.Event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("natsch: marshal %s: %w", env.Event, err)
	}
	if err := nc.Publish(DirectivesSubject(t.opts.Prefix, scope.OrgID), data); err != nil {
		return fmt.Errorf("natsch: emit %s: %w", env.Event, err)
	}
	return nil
}

// Close unsubscribes and closes the connection. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	nc, sub := t.nc, t.sub
	t.mu.Unlock()

	var err error
	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("natsch: unsubscribe: %w", uerr)
		}
	}
	if nc != nil {
		nc.Close()
	}
	t.signalDone()
	return err
}

func (t *Transport) signalDone() {
	t.doneOnce.Do(func() { close(t.done) })
}
