// Package dashboard serves a read-only HTTP view of the active session:
// visitor tabs, counters, the training panel, a change stream and metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/session"
)

// Source yields the session to render, or nil when none is open.
// *session.Manager satisfies it.
type Source interface {
	Current() *session.Session
}

// Static returns a Source that always yields s.
func Static(s *session.Session) Source { return staticSource{s} }

type staticSource struct{ s *session.Session }

func (st staticSource) Current() *session.Session { return st.s }

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source Source
	// Registry is served on /metrics when set.
	Registry  *prometheus.Registry
	Port      int
	Heartbeat time.Duration
	Out       io.Writer
	Logger    *zap.Logger
}

func (o *StartOpts) defaults() error {
	if o.Source == nil {
		return errors.New("dashboard: source is required")
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// NewRouter builds the dashboard routes.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.defaults(); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if err := opts.defaults(); err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}
	opts.Logger.Info("dashboard listening", zap.Int("port", opts.Port))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
