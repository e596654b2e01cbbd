package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
)

// ManagerOpts holds parameters for NewManager.
type ManagerOpts struct {
	Dial channel.Dialer
	// Build returns the session options for a context. Context, Adapter
	// and Logger are filled in by the manager.
	Build  func(Context) Opts
	Logger *zap.Logger
}

// Manager owns the channel adapter and at most one session. Switching
// organizations tears the current session down completely before the next
// one opens.
type Manager struct {
	adapter *channel.Adapter
	build   func(Context) Opts
	logger  *zap.Logger

	mu      sync.Mutex
	current *Session
	cancel  context.CancelFunc
	done    chan error
}

// NewManager validates opts and creates a Manager with no session.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Build == nil {
		return nil, errors.New("session: build func is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter, err := channel.NewAdapter(channel.AdapterOpts{Dial: opts.Dial, Logger: logger.Named("channel")})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Manager{adapter: adapter, build: opts.Build, logger: logger}, nil
}

// Switch closes the current session, if any, then opens and starts one
// for c. The previous session's run loop has returned and its
// subscriptions are gone before the channel is reopened for c.
func (m *Manager) Switch(ctx context.Context, c Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.stopLocked(); err != nil {
		m.logger.Warn("previous session closed with error", zap.Error(err))
	}

	opts := m.build(c)
	opts.Context = c
	opts.Adapter = m.adapter
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		err := s.Run(runCtx)
		if err != nil {
			m.logger.Error("session run failed", zap.String("org", c.OrgID), zap.Error(err))
		}
		done <- err
	}()

	m.current, m.cancel, m.done = s, cancel, done
	m.logger.Info("switched organization", zap.String("org", c.OrgID))
	return s, nil
}

// stopLocked cancels and closes the current session. Callers hold mu.
func (m *Manager) stopLocked() error {
	if m.current == nil {
		return nil
	}
	m.cancel()
	runErr := <-m.done
	err := multierr.Append(runErr, m.current.Close())
	m.current, m.cancel, m.done = nil, nil, nil
	return err
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Adapter returns the shared channel adapter.
func (m *Manager) Adapter() *channel.Adapter { return m.adapter }

// Close stops the current session and closes the channel.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return multierr.Append(m.stopLocked(), m.adapter.Close())
}
