package telegraph

import (
	"context"
	"fmt"
	"sync"
)

// MockPoster implements Poster for testing. It records sent messages and
// can be told to fail connects or sends.
type MockPoster struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	sent       []OutboundMessage
	attempts   int
	connectErr error
	sendErr    error
	notify     chan struct{}
}

// NewMockPoster creates a MockPoster.
func NewMockPoster() *MockPoster {
	return &MockPoster{notify: make(chan struct{}, 100)}
}

// Connect marks the poster as connected.
func (m *MockPoster) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock poster: already closed")
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Send records the outbound message.
func (m *MockPoster) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if !m.connected {
		return fmt.Errorf("mock poster: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the poster closed.
func (m *MockPoster) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// --- Test helpers ---

// FailConnect makes the next Connect calls return err.
func (m *MockPoster) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSend makes Send return err until cleared with nil.
func (m *MockPoster) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent signals once per recorded message.
func (m *MockPoster) Sent() <-chan struct{} { return m.notify }

// Attempts returns how many times Send was called, failed or not.
func (m *MockPoster) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SentCount returns the number of outbound messages sent.
func (m *MockPoster) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockPoster) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Closed reports whether Close was called.
func (m *MockPoster) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
