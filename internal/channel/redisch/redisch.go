// Package redisch is a Redis Streams transport for the channel adapter,
// built on watermill. Events for an organization are read from
// signalbox:<org>:events and directives are appended to
// signalbox:<org>:directives.
package redisch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
)

// DefaultPrefix is the stream key prefix used when Opts.Prefix is empty.
const DefaultPrefix = "signalbox"

const metaEvent = "event"

// PubSub builds the publisher and subscriber a Transport runs on.
type PubSub func(ctx context.Context, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error)

// Opts holds parameters for New.
type Opts struct {
	Addr     string
	Password string
	DB       int
	// Group is the consumer group. Empty means every dashboard reads the
	// whole stream.
	Group    string
	Consumer string
	Prefix   string
	// PubSub replaces the Redis Streams backend when set.
	PubSub PubSub
	Logger *zap.Logger
}

// EventsTopic returns the stream events for org are read from.
func EventsTopic(prefix, org string) string { return topic(prefix, org, "events") }

// DirectivesTopic returns the stream directives for org are written to.
func DirectivesTopic(prefix, org string) string { return topic(prefix, org, "directives") }

func topic(prefix, org, leaf string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + org + ":" + leaf
}

// Transport implements channel.Transport over watermill pub/sub.
type Transport struct {
	opts   Opts
	logger *zap.Logger

	mu     sync.Mutex
	client *redis.Client
	pub    message.Publisher
	sub    message.Subscriber
	scope  channel.Scope
	closed bool
}

// New validates opts and creates an unconnected Transport.
func New(opts Opts) (*Transport, error) {
	if opts.Addr == "" && opts.PubSub == nil {
		return nil, errors.New("redisch: addr is required")
	}
	if opts.Group != "" && opts.Consumer == "" {
		return nil, errors.New("redisch: consumer is required with a consumer group")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{opts: opts, logger: logger}, nil
}

// Dialer returns a channel.Dialer that creates a fresh Transport per dial.
func Dialer(opts Opts) channel.Dialer {
	return func() (channel.Transport, error) { return New(opts) }
}

// Connect builds the publisher and subscriber for scope. With the Redis
// backend the server is pinged first so an unreachable server fails here.
func (t *Transport) Connect(ctx context.Context, scope channel.Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("redisch: transport is closed")
	}
	if t.sub != nil {
		return errors.New("redisch: already connected")
	}
	wlog := NewLogger(t.logger)

	if t.opts.PubSub != nil {
		pub, sub, err := t.opts.PubSub(ctx, wlog)
		if err != nil {
			return fmt.Errorf("redisch: connect: %w", err)
		}
		t.pub, t.sub, t.scope = pub, sub, scope
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: t.opts.Addr, Password: t.opts.Password, DB: t.opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redisch: ping %s: %w", t.opts.Addr, err)
	}
	marshaler := redisstream.DefaultMarshallerUnmarshaller{}
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("redisch: publisher: %w", err)
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: t.opts.Group,
		Consumer:      t.opts.Consumer,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("redisch: subscriber: %w", err)
	}
	t.client, t.pub, t.sub, t.scope = client, pub, sub, scope
	t.logger.Debug("redis stream connected", zap.String("org", scope.OrgID), zap.String("stream", EventsTopic(t.opts.Prefix, scope.OrgID)))
	return nil
}

// Listen subscribes to the events stream. The returned channel closes when
// the subscriber is closed or ctx is done.
func (t *Transport) Listen(ctx context.Context) (<-chan channel.Envelope, error) {
	t.mu.Lock()
	sub, scope := t.sub, t.scope
	t.mu.Unlock()
	if sub == nil {
		return nil, errors.New("redisch: not connected")
	}
	msgs, err := sub.Subscribe(ctx, EventsTopic(t.opts.Prefix, scope.OrgID))
	if err != nil {
		return nil, fmt.Errorf("redisch: subscribe: %w", err)
	}
	out := make(chan channel.Envelope)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := Unwrap(msg)
			msg.Ack()
			if err != nil {
				t.logger.Warn("dropping malformed message", zap.String("uuid", msg.UUID), zap.Error(err))
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Emit appends env to the directives stream.
func (t *Transport) Emit(ctx context.Context, env channel.Envelope) error {
	t.mu.Lock()
	pub, scope, closed := t.pub, t.scope, t.closed
	t.mu.Unlock()
	if pub == nil || closed {
		return errors.New("redisch: not connected")
	}
	msg, err := Wrap(env)
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if err := pub.Publish(DirectivesTopic(t.opts.Prefix, scope.OrgID), msg); err != nil {
		return fmt.Errorf("redisch: emit %s: %w", env.Event, err)
	}
	return nil
}

// Close closes the subscriber, the publisher and the Redis client. It is
// idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	client, pub, sub := t.client, t.pub, t.sub
	t.mu.Unlock()

	var err error
	if sub != nil {
		err = multierr.Append(err, sub.Close())
	}
	if pub != nil && any(pub) != any(sub) {
		err = multierr.Append(err, pub.Close())
	}
	if client != nil {
		err = multierr.Append(err, client.Close())
	}
	if err != nil {
		return fmt.Errorf("redisch: close: %w", err)
	}
	return nil
}

// Wrap encodes env as a watermill message.
func Wrap(env channel.Envelope) (*message.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("redisch: marshal %s: %w", env.Event, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaEvent, env.Event)
	return msg, nil
}

// Unwrap decodes a message written by Wrap. A relay may also publish the
// bare event data with the event name in metadata.
func Unwrap(msg *message.Message) (channel.Envelope, error) {
	var env channel.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err == nil && env.Event != "" {
		return env, nil
	}
	event := msg.Metadata.Get(metaEvent)
	if event == "" {
		return channel.Envelope{}, errors.New("redisch: message has no event")
	}
	if !json.Valid(msg.Payload) {
		return channel.Envelope{}, fmt.Errorf("redisch: %s payload is not json", event)
	}
	return channel.Envelope{Event: event, Data: json.RawMessage(msg.Payload)}, nil
}
