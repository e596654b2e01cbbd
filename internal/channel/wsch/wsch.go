// Package wsch is a websocket transport for the channel adapter. The server
// pushes JSON envelopes on a single connection joined to the dashboard room
// of one chatbot.
package wsch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	inboundBuffer           = 64
)

// Opts holds parameters for New.
type Opts struct {
	// URL is the ws:// or wss:// endpoint.
	URL    string
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Transport implements channel.Transport over gorilla/websocket.
type Transport struct {
	opts   Opts
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	scope   channel.Scope
	closed  bool
	reading bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New validates opts and creates an unconnected Transport.
func New(opts Opts) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("wsch: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("wsch: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsch: url %q must be ws or wss", opts.URL)
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment}
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

// JoinURL returns the connection URL for scope.
func JoinURL(raw string, scope channel.Scope) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("wsch: parse url: %w", err)
	}
	q := u.Query()
	q.Set("org_id", scope.OrgID)
	q.Set("chatbot_id", scope.ChatbotID)
	q.Set("dashboard", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the server for scope.
func (t *Transport) Connect(ctx context.Context, scope channel.Scope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("wsch: transport is closed")
	}
	if t.conn != nil {
		return errors.New("wsch: already connected")
	}
	target, err := JoinURL(t.opts.URL, scope)
	if err != nil {
		return err
	}
	header := t.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}
	conn, resp, err := t.opts.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("wsch: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("wsch: dial: %w", err)
	}
	t.conn, t.scope = conn, scope
	t.logger.Debug("websocket connected", zap.String("org", scope.OrgID), zap.String("room", scope.DashboardRoom()))
	return nil
}

// Listen starts the read loop. The returned channel closes when the
// connection fails or the transport is closed.
func (t *Transport) Listen(ctx context.Context) (<-chan channel.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("wsch: not connected")
	}
	if t.reading {
		return nil, errors.New("wsch: already listening")
	}
	t.reading = true
	out := make(chan channel.Envelope, inboundBuffer)
	go t.readLoop(ctx, t.conn, out)
	return out, nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- channel.Envelope) {
	defer close(out)
	for {
		var env channel.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !t.isClosed() {
				t.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if env.Event == "" {
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return
		}
	}
}

// Emit writes env as one JSON text frame.
func (t *Transport) Emit(ctx context.Context, env channel.Envelope) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return errors.New("wsch: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wsch: emit %s: %w", env.Event, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("wsch: emit %s: %w", env.Event, err)
	}
	return nil
}

// Close sends a close frame and closes the connection. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
