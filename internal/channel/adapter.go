package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/syncerr"
)

// State is the connection state of an Adapter.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return "closed"
	}
}

var errDropped = errors.New("transport dropped")

// AdapterOpts holds parameters for NewAdapter.
type AdapterOpts struct {
	Dial   Dialer
	Logger *zap.Logger
}

// Adapter owns at most one open transport and fans its notifications out to
// subscribed consumers from a single pump goroutine, in arrival order.
//
// Every Open starts a new scope generation. Subscriptions are bound to the
// generation they were created in and never see notifications of another.
type Adapter struct {
	dial   Dialer
	logger *zap.Logger

	// lifecycle serializes Open, Reconnect and Close so the previous
	// transport is always fully closed before the next one connects.
	lifecycle sync.Mutex

	mu         sync.Mutex
	scope      Scope
	generation uint64
	state      State
	transport  Transport
	cancel     context.CancelFunc
	pumpDone   chan struct{}
	subs       map[uint64]*Subscription
	watchers   map[uint64]func(State, error)
	nextID     uint64
}

// NewAdapter creates a closed adapter.
func NewAdapter(opts AdapterOpts) (*Adapter, error) {
	if opts.Dial == nil {
		return nil, errors.New("channel: dialer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		dial:     opts.Dial,
		logger:   logger,
		subs:     make(map[uint64]*Subscription),
		watchers: make(map[uint64]func(State, error)),
	}, nil
}

// Open closes any existing transport, drops every subscription, starts a new
// generation for scope and connects. A connect failure leaves the adapter
// unavailable in the new scope and returns a transport error; subscribing
// still works and Reconnect retries.
func (a *Adapter) Open(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return syncerr.Validation("open", scope.OrgID, err)
	}
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.teardown()

	a.mu.Lock()
	a.generation++
	a.scope = scope
	for id := range a.subs {
		delete(a.subs, id)
	}
	gen := a.generation
	a.mu.Unlock()

	a.logger.Info("channel opening", zap.String("org", scope.OrgID), zap.String("chatbot", scope.ChatbotID), zap.Uint64("generation", gen))
	return a.connect(ctx, scope, gen)
}

// Reconnect replaces the transport of the current scope without changing
// its generation, keeping subscriptions.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	scope, gen, state := a.scope, a.generation, a.state
	a.mu.Unlock()
	if state == StateClosed {
		return syncerr.Transport("reconnect", scope.OrgID, errors.New("channel: adapter is closed"))
	}

	a.teardown()
	return a.connect(ctx, scope, gen)
}

// Close disconnects and drops every subscription. It is idempotent.
func (a *Adapter) Close() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.state == StateClosed && a.transport == nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	err := a.teardown()

	a.mu.Lock()
	a.generation++
	for id := range a.subs {
		delete(a.subs, id)
	}
	a.mu.Unlock()
	a.setState(StateClosed, nil)
	return err
}

// teardown stops the pump and closes the transport. Callers hold lifecycle.
func (a *Adapter) teardown() error {
	a.mu.Lock()
	t, cancel, done := a.transport, a.cancel, a.pumpDone
	a.transport, a.cancel, a.pumpDone = nil, nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if t != nil {
		if cerr := t.Close(); cerr != nil {
			err = fmt.Errorf("channel: close transport: %w", cerr)
		}
	}
	if done != nil {
		<-done
	}
	return err
}

func (a *Adapter) connect(ctx context.Context, scope Scope, gen uint64) error {
	a.setState(StateConnecting, nil)

	pumpCtx, cancel := context.WithCancel(context.Background())
	t, err := a.dial()
	if err == nil {
		err = t.Connect(ctx, scope)
	}
	var in <-chan Envelope
	if err == nil {
		in, err = t.Listen(pumpCtx)
	}
	if err != nil {
		cancel()
		if t != nil {
			_ = t.Close()
		}
		terr := syncerr.Transport("open", scope.OrgID, err)
		a.logger.Warn("channel unavailable", zap.String("org", scope.OrgID), zap.Error(err))
		a.setState(StateUnavailable, terr)
		return terr
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.transport, a.cancel, a.pumpDone = t, cancel, done
	a.mu.Unlock()
	a.setState(StateAvailable, nil)

	go a.pump(pumpCtx, in, scope, gen, done)
	return nil
}

func (a *Adapter) pump(ctx context.Context, in <-chan Envelope, scope Scope, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				if ctx.Err() == nil {
					a.markUnavailable(gen, syncerr.Transport("listen", scope.OrgID, errDropped))
				}
				return
			}
			a.dispatch(ctx, env, scope, gen)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, env Envelope, scope Scope, gen uint64) {
	n, err := Decode(env, scope)
	if errors.Is(err, errForeignScope) {
		a.logger.Debug("notification dropped: foreign scope", zap.String("event", env.Event), zap.String("org", scope.OrgID))
		return
	}
	if err != nil {
		a.logger.Warn("notification dropped", zap.String("event", env.Event), zap.Error(err))
		return
	}
	n.Generation = gen
	n.ReceivedAt = time.Now()

	for _, sub := range a.subscribers(gen) {
		if !a.current(gen) {
			return
		}
		sub.consumer.HandleNotification(ctx, n)
	}
}

func (a *Adapter) subscribers(gen uint64) []*Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Subscription, 0, len(a.subs))
	for _, s := range a.subs {
		if s.gen == gen {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation == gen
}

func (a *Adapter) markUnavailable(gen uint64, err error) {
	a.mu.Lock()
	stale := a.generation != gen || a.state == StateClosed
	a.mu.Unlock()
	if stale {
		return
	}
	a.logger.Warn("channel dropped", zap.Uint64("generation", gen), zap.Error(err))
	a.setState(StateUnavailable, err)
}

func (a *Adapter) setState(s State, err error) {
	a.mu.Lock()
	if a.state == s && err == nil {
		a.mu.Unlock()
		return
	}
	a.state = s
	fns := make([]func(State, error), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(s, err)
	}
}

// Emit sends an outbound directive. It fails with a transport error when
// the channel is not available.
func (a *Adapter) Emit(ctx context.Context, directive string, payload any) error {
	a.mu.Lock()
	t, state := a.transport, a.state
	a.mu.Unlock()
	if state != StateAvailable || t == nil {
		return syncerr.Transport("emit", directive, syncerr.ErrUnavailable)
	}
	env, err := NewEnvelope(directive, payload)
	if err != nil {
		return syncerr.Transport("emit", directive, err)
	}
	if err := t.Emit(ctx, env); err != nil {
		return syncerr.Transport("emit", directive, err)
	}
	return nil
}

// Subscribe registers c under the current generation.
func (a *Adapter) Subscribe(name string, c Consumer) (*Subscription, error) {
	if c == nil {
		return nil, errors.New("channel: consumer is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed {
		return nil, errors.New("channel: adapter is closed")
	}
	a.nextID++
	s := &Subscription{id: a.nextID, name: name, gen: a.generation, consumer: c, adapter: a}
	a.subs[s.id] = s
	return s, nil
}

func (a *Adapter) unsubscribe(id uint64) {
	a.mu.Lock()
	delete(a.subs, id)
	a.mu.Unlock()
}

func (a *Adapter) active(s *Subscription) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subs[s.id]
	return ok && s.gen == a.generation
}

// OnStateChange registers fn for state transitions. Transitions into
// StateUnavailable carry a transport error. The returned func removes fn.
func (a *Adapter) OnStateChange(fn func(State, error)) (remove func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.watchers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Scope returns the scope of the current generation.
func (a *Adapter) Scope() Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope
}

// Generation returns the current scope generation.
func (a *Adapter) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}
