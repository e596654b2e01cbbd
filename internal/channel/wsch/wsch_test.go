package wsch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
)

var scope = channel.Scope{OrgID: "org-1", ChatbotID: "bot-1"}

// echoServer pushes one visitor update after the handshake and again for
// every "ping" frame. Every frame it reads is forwarded to got.
func echoServer(t *testing.T, got chan<- channel.Envelope, query chan<- string) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query <- r.URL.RawQuery
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		env, _ := channel.NewEnvelope(channel.EventVisitorUpdate, channel.VisitorUpdate{
			Type:    channel.UpdateConnected,
			Visitor: models.Visitor{ID: "v1", ChatbotID: "bot-1", Room: "bot-1:v1"},
		})
		if err := conn.WriteJSON(env); err != nil {
			return
		}
		for {
			var in channel.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if in.Event == "ping" {
				if err := conn.WriteJSON(env); err != nil {
					return
				}
				continue
			}
			got <- in
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Opts{})
	assert.Error(t, err)
	_, err = New(Opts{URL: "http://example.com"})
	assert.Error(t, err)
	_, err = New(Opts{URL: "wss://example.com/socket"})
	assert.NoError(t, err)
}

func TestJoinURL(t *testing.T) {
	got, err := JoinURL("wss://rt.example.com/socket?v=2", scope)
	require.NoError(t, err)
	assert.Contains(t, got, "chatbot_id=bot-1")
	assert.Contains(t, got, "org_id=org-1")
	assert.Contains(t, got, "dashboard=true")
	assert.Contains(t, got, "v=2")
}

func TestTransport_RoundTrip(t *testing.T) {
	got := make(chan channel.Envelope, 1)
	query := make(chan string, 1)
	url := echoServer(t, got, query)

	tr, err := New(Opts{URL: url})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Connect(ctx, scope))
	assert.Contains(t, <-query, "chatbot_id=bot-1")

	in, err := tr.Listen(ctx)
	require.NoError(t, err)
	select {
	case env := <-in:
		n, err := channel.Decode(env, scope)
		require.NoError(t, err)
		require.NotNil(t, n.Visitor)
		assert.Equal(t, "v1", n.Visitor.Visitor.ID)
	case <-ctx.Done():
		t.Fatal("no inbound envelope")
	}

	env, err := channel.NewEnvelope(channel.DirectiveOpenChat, channel.OpenChat{Room: "bot-1:v1", ConversationID: "c-9"})
	require.NoError(t, err)
	require.NoError(t, tr.Emit(ctx, env))
	select {
	case out := <-got:
		assert.Equal(t, channel.DirectiveOpenChat, out.Event)
		var oc channel.OpenChat
		require.NoError(t, json.Unmarshal(out.Data, &oc))
		assert.Equal(t, "c-9", oc.ConversationID)
	case <-ctx.Done():
		t.Fatal("directive not received")
	}

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	for range in {
	}
	assert.Error(t, tr.Emit(ctx, env))
}

func TestTransport_ListenBeforeConnect(t *testing.T) {
	tr, err := New(Opts{URL: "ws://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = tr.Listen(context.Background())
	assert.Error(t, err)
}

func TestTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tr, err := New(Opts{URL: url})
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background(), scope))
}

func TestDialer_WithAdapter(t *testing.T) {
	got := make(chan channel.Envelope, 1)
	query := make(chan string, 1)
	url := echoServer(t, got, query)

	a, err := channel.NewAdapter(channel.AdapterOpts{Dial: Dialer(Opts{URL: url})})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Open(context.Background(), scope))
	seen := make(chan string, 2)
	_, err = a.Subscribe("test", channel.ConsumerFunc(func(_ context.Context, n channel.Notification) {
		if n.Visitor != nil {
			select {
			case seen <- n.Visitor.Visitor.ID:
			default:
			}
		}
	}))
	require.NoError(t, err)
	require.NoError(t, a.Emit(context.Background(), "ping", nil))

	select {
	case id := <-seen:
		assert.Equal(t, "v1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not deliver")
	}
}
