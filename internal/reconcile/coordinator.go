package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/syncerr"
)

// Policy decides what happens when a mutation targets an entity that
// already has one in flight.
type Policy int

const (
	// PolicyReject fails the newer mutation with a conflict.
	PolicyReject Policy = iota
	// PolicyQueue waits for the outstanding mutation to resolve.
	PolicyQueue
)

// Outcome is how a mutation ended.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeCommitted Outcome = "committed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeRejected  Outcome = "rejected"
)

// Mutation is an optimistic local change paired with its remote write.
//
// Apply runs first and may refuse the change by returning an error, in
// which case nothing else runs. Remote performs the write. Revert undoes
// Apply when Remote fails. Settle runs last on every path that got past
// Apply, after Revert.
type Mutation struct {
	Entity string
	Op     string
	Policy *Policy

	Apply  func() error
	Remote func(ctx context.Context) error
	Revert func()
	Settle func(err error)
}

// Result describes one step of a mutation, for observers.
type Result struct {
	ID       string
	Entity   string
	Op       string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// CoordinatorOpts holds parameters for NewCoordinator.
type CoordinatorOpts struct {
	Policy Policy
	Logger *zap.Logger
}

// Coordinator runs optimistic mutations with at most one in flight per entity.
type Coordinator struct {
	policy Policy
	logger *zap.Logger

	mu        sync.Mutex
	inflight  map[string]chan struct{}
	observers map[int]func(Result)
	nextObs   int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts CoordinatorOpts) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		policy:    opts.Policy,
		logger:    logger,
		inflight:  make(map[string]chan struct{}),
		observers: make(map[int]func(Result)),
	}
}

// Observe registers fn to receive every mutation result. The returned func
// removes it.
func (c *Coordinator) Observe(fn func(Result)) (remove func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// InFlight reports whether entity has an outstanding mutation.
func (c *Coordinator) InFlight(entity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[entity]
	return ok
}

// Do runs m: apply, then remote; on remote failure, revert. A remote error
// that is not already classified is returned as a persistence error.
func (c *Coordinator) Do(ctx context.Context, m Mutation) error {
	id := uuid.NewString()
	start := time.Now()
	log := c.logger.With(zap.String("mutation", id), zap.String("op", m.Op), zap.String("entity", m.Entity))

	if err := c.acquire(ctx, m); err != nil {
		log.Debug("mutation rejected", zap.Error(err))
		c.notify(Result{ID: id, Entity: m.Entity, Op: m.Op, Outcome: OutcomeRejected, Err: err, Duration: time.Since(start)})
		return err
	}
	defer c.release(m.Entity)

	if m.Apply != nil {
		if err := m.Apply(); err != nil {
			c.notify(Result{ID: id, Entity: m.Entity, Op: m.Op, Outcome: OutcomeRejected, Err: err, Duration: time.Since(start)})
			return err
		}
	}
	c.notify(Result{ID: id, Entity: m.Entity, Op: m.Op, Outcome: OutcomeApplied})

	var err error
	if m.Remote != nil {
		err = m.Remote(ctx)
	}
	if err != nil {
		if !syncerr.Classified(err) {
			err = syncerr.Persistence(m.Op, m.Entity, err)
		}
		if m.Revert != nil {
			m.Revert()
		}
		log.Warn("mutation reverted", zap.Error(err))
		c.notify(Result{ID: id, Entity: m.Entity, Op: m.Op, Outcome: OutcomeReverted, Err: err, Duration: time.Since(start)})
	} else {
		c.notify(Result{ID: id, Entity: m.Entity, Op: m.Op, Outcome: OutcomeCommitted, Duration: time.Since(start)})
	}
	if m.Settle != nil {
		m.Settle(err)
	}
	return err
}

func (c *Coordinator) acquire(ctx context.Context, m Mutation) error {
	policy := c.policy
	if m.Policy != nil {
		policy = *m.Policy
	}
	for {
		c.mu.Lock()
		done, busy := c.inflight[m.Entity]
		if !busy {
			c.inflight[m.Entity] = make(chan struct{})
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if policy == PolicyReject {
			return syncerr.Conflict(m.Op, m.Entity, syncerr.ErrInFlight)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

func (c *Coordinator) release(entity string) {
	c.mu.Lock()
	if done, ok := c.inflight[entity]; ok {
		close(done)
		delete(c.inflight, entity)
	}
	c.mu.Unlock()
}

func (c *Coordinator) notify(r Result) {
	c.mu.Lock()
	fns := make([]func(Result), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// Queue returns a pointer to PolicyQueue for use in Mutation.Policy.
func Queue() *Policy {
	p := PolicyQueue
	return &p
}
