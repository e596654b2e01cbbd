package redisch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
)

var scope = channel.Scope{OrgID: "org-1", ChatbotID: "bot-1"}

func goChannel(gc *gochannel.GoChannel) PubSub {
	return func(context.Context, watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
		return gc, gc, nil
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "signalbox:org-1:events", EventsTopic("", "org-1"))
	assert.Equal(t, "acme:org-1:directives", DirectivesTopic("acme", "org-1"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
	_, err = New(Opts{Addr: "localhost:6379", Group: "dash"})
	assert.Error(t, err)
	_, err = New(Opts{Addr: "localhost:6379", Group: "dash", Consumer: "c1"})
	assert.NoError(t, err)
}

func TestUnwrap(t *testing.T) {
	env, err := channel.NewEnvelope(channel.EventVisitorUpdate, channel.VisitorUpdate{Type: channel.UpdateConnected})
	require.NoError(t, err)
	msg, err := Wrap(env)
	require.NoError(t, err)
	assert.Equal(t, channel.EventVisitorUpdate, msg.Metadata.Get("event"))

	got, err := Unwrap(msg)
	require.NoError(t, err)
	assert.Equal(t, env.Event, got.Event)
	assert.JSONEq(t, string(env.Data), string(got.Data))

	bare := message.NewMessage("1", []byte(`{"organizationId":"org-1","progress":10}`))
	bare.Metadata.Set("event", "training:progress:org-1")
	got, err = Unwrap(bare)
	require.NoError(t, err)
	assert.Equal(t, "training:progress:org-1", got.Event)

	_, err = Unwrap(message.NewMessage("2", []byte(`{}`)))
	assert.Error(t, err)
	junk := message.NewMessage("3", []byte(`not json`))
	junk.Metadata.Set("event", "x")
	_, err = Unwrap(junk)
	assert.Error(t, err)
}

func TestTransport_RoundTrip(t *testing.T) {
	gc := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr, err := New(Opts{PubSub: goChannel(gc)})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, scope))
	in, err := tr.Listen(ctx)
	require.NoError(t, err)

	directives, err := gc.Subscribe(ctx, DirectivesTopic("", "org-1"))
	require.NoError(t, err)

	env, err := channel.NewEnvelope(channel.EventVisitorUpdate, channel.VisitorUpdate{
		Type:    channel.UpdateConnected,
		Visitor: models.Visitor{ID: "v1", ChatbotID: "bot-1", Room: "bot-1:v1"},
	})
	require.NoError(t, err)
	msg, err := Wrap(env)
	require.NoError(t, err)
	require.NoError(t, gc.Publish(EventsTopic("", "org-1"), msg))

	select {
	case got := <-in:
		n, err := channel.Decode(got, scope)
		require.NoError(t, err)
		assert.Equal(t, "v1", n.Visitor.Visitor.ID)
	case <-ctx.Done():
		t.Fatal("no envelope received")
	}

	open, err := channel.NewEnvelope(channel.DirectiveOpenChat, channel.OpenChat{Room: "bot-1:v1", ConversationID: "c-3"})
	require.NoError(t, err)
	require.NoError(t, tr.Emit(ctx, open))
	select {
	case m := <-directives:
		m.Ack()
		var out channel.Envelope
		require.NoError(t, json.Unmarshal(m.Payload, &out))
		assert.Equal(t, channel.DirectiveOpenChat, out.Event)
	case <-ctx.Done():
		t.Fatal("directive not published")
	}

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	for range in {
	}
	assert.Error(t, tr.Emit(ctx, open))
}

func TestTransport_ConnectFailure(t *testing.T) {
	tr, err := New(Opts{PubSub: func(context.Context, watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
		return nil, nil, errors.New("no route to host")
	}})
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background(), scope))
	_, err = tr.Listen(context.Background())
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core)).With(watermill.LogFields{"topic": "t"})

	l.Info("subscribed", watermill.LogFields{"consumer": "c1"})
	l.Error("read failed", errors.New("boom"), nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "t", entries[0].ContextMap()["topic"])
	assert.Equal(t, "c1", entries[0].ContextMap()["consumer"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
