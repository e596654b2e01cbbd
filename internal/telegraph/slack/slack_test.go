package slack

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/signalbox/internal/telegraph"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErr   error
	rateLimit int // number of PostMessage calls to rate-limit first
	calls     int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"}}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.rateLimit {
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

func newTestPoster(t *testing.T) (*Poster, *mockSlackClient) {
	t.Helper()
	client := newMockSlackClient()
	p, err := New(PosterOpts{Client: client, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p, client
}

// --- Constructor and lifecycle tests ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(PosterOpts{})
	if err == nil || !strings.Contains(err.Error(), "bot token is required") {
		t.Errorf("expected bot token error, got %v", err)
	}
}

func TestConnect_Success(t *testing.T) {
	p, _ := newTestPoster(t)
	if got := p.BotUserID(); got != "U_BOT_123" {
		t.Errorf("BotUserID = %q, want U_BOT_123", got)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	p, _ := New(PosterOpts{Client: client})
	err := p.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid_auth") {
		t.Errorf("expected auth error, got %v", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	p, _ := New(PosterOpts{Client: newMockSlackClient()})
	p.Close()
	if err := p.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting a closed poster")
	}
}

// --- Send tests ---

func TestSend_DefaultChannel(t *testing.T) {
	p, client := newTestPoster(t)
	if err := p.Send(context.Background(), telegraph.OutboundMessage{Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.lastPosted().channelID; got != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", got)
	}
}

func TestSend_ExplicitChannel(t *testing.T) {
	p, client := newTestPoster(t)
	err := p.Send(context.Background(), telegraph.OutboundMessage{
		ChannelID: "C1",
		Events: []telegraph.FormattedEvent{
			{Title: "Training completed", Body: "done", Color: telegraph.ColorSuccess},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.lastPosted().channelID; got != "C1" {
		t.Errorf("channel = %q, want C1", got)
	}
}

func TestSend_NoChannel(t *testing.T) {
	p, _ := New(PosterOpts{Client: newMockSlackClient()})
	p.Connect(context.Background())
	if err := p.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error for no channel")
	}
}

func TestSend_NotConnected(t *testing.T) {
	p, _ := New(PosterOpts{Client: newMockSlackClient(), ChannelID: "C1"})
	if err := p.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestSend_PostError(t *testing.T) {
	p, client := newTestPoster(t)
	client.postErr = fmt.Errorf("channel_not_found")
	err := p.Send(context.Background(), telegraph.OutboundMessage{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Errorf("expected post error, got %v", err)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	p, client := newTestPoster(t)
	client.rateLimit = 2
	if err := p.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3", client.calls)
	}
}

// --- buildMessageOptions tests ---

func TestBuildMessageOptions(t *testing.T) {
	tests := []struct {
		name string
		msg  telegraph.OutboundMessage
		want int
	}{
		{"text only", telegraph.OutboundMessage{Text: "hello"}, 1},
		{"events only", telegraph.OutboundMessage{Events: []telegraph.FormattedEvent{{Title: "t"}}}, 1},
		{"events with fallback text", telegraph.OutboundMessage{Text: "t", Events: []telegraph.FormattedEvent{{Title: "t"}}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(buildMessageOptions(tt.msg)); got != tt.want {
				t.Errorf("options = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEventToAttachment(t *testing.T) {
	att := eventToAttachment(telegraph.FormattedEvent{
		Title: "Visitor v1 came online",
		Body:  "No open conversation",
		Color: telegraph.ColorInfo,
		Fields: []telegraph.Field{
			{Name: "Visitor", Value: "v1", Short: true},
			{Name: "IP", Value: "10.0.0.1", Short: true},
		},
	})
	if att.Title != "Visitor v1 came online" || att.Fallback != att.Title {
		t.Errorf("title = %q fallback = %q", att.Title, att.Fallback)
	}
	if att.Text != "No open conversation" {
		t.Errorf("text = %q", att.Text)
	}
	if att.Color != telegraph.ColorInfo {
		t.Errorf("color = %q", att.Color)
	}
	if len(att.Fields) != 2 || att.Fields[0].Title != "Visitor" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

// --- retryOnRateLimit tests ---

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("some other error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("should not retry non-rate-limit errors, calls = %d", calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}
