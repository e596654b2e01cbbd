package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/signalbox/internal/models"
)

// MockTransport implements Transport for testing. It records emitted
// envelopes and allows simulating inbound notifications.
type MockTransport struct {
	mu            sync.Mutex
	connected     bool
	closed        bool
	inboundClosed bool
	inbound       chan Envelope
	emitted       []Envelope
	scope         Scope
	connectErr    error
	emitErr       error
}

// NewMockTransport creates a MockTransport with a buffered inbound channel.
func NewMockTransport() *MockTransport {
	return &MockTransport{inbound: make(chan Envelope, 100)}
}

// Connect records scope and marks the transport connected.
func (m *MockTransport) Connect(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock transport: already closed")
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.scope = scope
	m.connected = true
	return nil
}

// Listen returns the inbound channel. Must be called after Connect.
func (m *MockTransport) Listen(ctx context.Context) (<-chan Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock transport: not connected")
	}
	return m.inbound, nil
}

// Emit records the envelope.
func (m *MockTransport) Emit(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock transport: not connected")
	}
	if m.emitErr != nil {
		return m.emitErr
	}
	m.emitted = append(m.emitted, env)
	return nil
}

// Close disconnects and closes the inbound channel.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	m.closeInbound()
	return nil
}

func (m *MockTransport) closeInbound() {
	if !m.inboundClosed {
		m.inboundClosed = true
		close(m.inbound)
	}
}

// --- Test helpers ---

// Simulate delivers env as if it came from the server. It reports false
// when the transport is closed or dropped.
func (m *MockTransport) Simulate(env Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inboundClosed {
		return false
	}
	m.inbound <- env
	return true
}

// SimulateVisitor delivers a visitor_update.
func (m *MockTransport) SimulateVisitor(updateType string, v models.Visitor) bool {
	env, err := NewEnvelope(EventVisitorUpdate, VisitorUpdate{Type: updateType, Visitor: v})
	if err != nil {
		return false
	}
	return m.Simulate(env)
}

// SimulateTraining delivers a training event for orgID.
func (m *MockTransport) SimulateTraining(event, orgID string, notice TrainingNotice) bool {
	env, err := NewEnvelope(TrainingTopic(event, orgID), notice)
	if err != nil {
		return false
	}
	return m.Simulate(env)
}

// Drop closes the inbound stream as if the server went away.
func (m *MockTransport) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeInbound()
}

// FailEmit makes subsequent Emit calls return err.
func (m *MockTransport) FailEmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErr = err
}

// Emitted returns a copy of every emitted envelope.
func (m *MockTransport) Emitted() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Envelope, len(m.emitted))
	copy(out, m.emitted)
	return out
}

// Scope returns the scope given to Connect.
func (m *MockTransport) Scope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDialer hands out MockTransports and remembers them.
type MockDialer struct {
	mu         sync.Mutex
	transports []*MockTransport
	connectErr error
}

// NewMockDialer creates a MockDialer.
func NewMockDialer() *MockDialer { return &MockDialer{} }

// Dial implements Dialer.
func (d *MockDialer) Dial() (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := NewMockTransport()
	t.connectErr = d.connectErr
	d.transports = append(d.transports, t)
	return t, nil
}

// FailConnects makes transports dialed from now on fail Connect with err.
// A nil err restores normal behavior.
func (d *MockDialer) FailConnects(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// Last returns the most recently dialed transport, or nil.
func (d *MockDialer) Last() *MockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// Count returns how many transports were dialed.
func (d *MockDialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}
