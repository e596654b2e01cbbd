package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/dashboard"
	"github.com/zulandar/signalbox/internal/journal"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/presence"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/telegraph"
	"github.com/zulandar/signalbox/internal/telegraph/discord"
	"github.com/zulandar/signalbox/internal/telegraph/slack"
)

// posterFromConfig builds the chat-ops poster. Tests override it.
var posterFromConfig = func(cfg *config.Config, logger *zap.Logger) (telegraph.Poster, error) {
	tc := cfg.Telegraph
	switch tc.Platform {
	case config.PlatformSlack:
		return slack.New(slack.PosterOpts{BotToken: tc.Slack.BotToken, ChannelID: tc.ChannelID})
	case config.PlatformDiscord:
		return discord.New(discord.PosterOpts{BotToken: tc.Discord.BotToken, ChannelID: tc.ChannelID, Logger: logger})
	}
	return nil, fmt.Errorf("unknown telegraph platform %q", tc.Platform)
}

// isTerminal reports whether out redraws in place. Tests override it.
var isTerminal = func(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type watchFlags struct {
	configPath string
	verbose    bool
	dashboard  bool
	port       int
}

func newWatchCmd() *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live visitors and training",
		Long: "Opens a session for the configured organization and prints the traffic counters and training job on every change. " +
			"Serves the dashboard when dashboard.enabled is set or --dashboard is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), f)
		},
	}
	addConfigFlags(cmd, &f.configPath, &f.verbose)
	cmd.Flags().BoolVar(&f.dashboard, "dashboard", false, "serve the dashboard")
	cmd.Flags().IntVar(&f.port, "port", 0, "dashboard port (default: dashboard.port)")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, f watchFlags) error {
	a, err := loadApp(f.configPath, f.verbose)
	if err != nil {
		return err
	}
	defer a.close()

	if f.dashboard {
		a.cfg.Dashboard.Enabled = true
	}
	if f.port > 0 {
		a.cfg.Dashboard.Port = f.port
	}

	var journalDB *gorm.DB
	if a.cfg.Journal.Enabled {
		if journalDB, err = openJournalDB(a.cfg); err != nil {
			return err
		}
	}

	// The digest reads the active session without the manager's lock,
	// which Switch holds while the previous session's runners stop.
	var active atomic.Pointer[session.Session]
	current := active.Load
	mgr, err := session.NewManager(session.ManagerOpts{
		Dial: a.dial,
		Build: func(c session.Context) session.Opts {
			opts := a.sessionOpts()
			x, err := a.watchExtras(c, journalDB, current)
			if err != nil {
				a.logger.Error("optional consumers disabled", zap.String("org", c.OrgID), zap.Error(err))
			}
			opts.Consumers = x.consumers
			opts.Runners = x.runners
			opts.Observers = x.observers
			return opts
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			a.logger.Warn("close session", zap.Error(err))
		}
	}()

	s, err := mgr.Switch(ctx, sessionContext(a.cfg))
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	active.Store(s)

	var registry *prometheus.Registry
	if a.cfg.Dashboard.Metrics {
		collector := metrics.New()
		unbind, err := collector.Bind(s)
		if err != nil {
			return err
		}
		defer unbind()
		registry = collector.Registry()
	}

	fmt.Fprintf(out, "Watching %s (chatbot %s)... (Ctrl+C to stop)\n", a.cfg.Organization.OrgID, a.cfg.Organization.ChatbotID)

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Dashboard.Enabled {
		g.Go(func() error {
			return dashboard.Start(gctx, dashboard.StartOpts{
				Source:   mgr,
				Registry: registry,
				Port:     a.cfg.Dashboard.Port,
				Out:      out,
				Logger:   a.logger.Named("dashboard"),
			})
		})
	}
	g.Go(func() error {
		return printLoop(gctx, out, s, isTerminal(out))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchExtras are the optional consumers wired into a watch session.
type watchExtras struct {
	consumers []session.NamedConsumer
	runners   []func(context.Context) error
	observers []func(reconcile.Result)
}

// watchExtras builds the journal recorder and announcer for the session of
// c. Every session gets its own pair.
func (a *app) watchExtras(c session.Context, journalDB *gorm.DB, current func() *session.Session) (watchExtras, error) {
	var x watchExtras
	cfg := a.cfg

	if journalDB != nil {
		rec, err := journal.NewRecorder(journal.RecorderOpts{
			DB:     journalDB,
			OrgID:  c.OrgID,
			Logger: a.logger.Named("journal"),
		})
		if err != nil {
			return x, err
		}
		x.consumers = append(x.consumers, session.NamedConsumer{Name: "journal", Consumer: rec})
		x.observers = append(x.observers, rec.ObserveMutation)
		x.runners = append(x.runners, rec.Run)
	}

	if cfg.Telegraph.Platform != "" {
		poster, err := posterFromConfig(cfg, a.logger.Named("telegraph"))
		if err != nil {
			return x, err
		}
		ann, err := telegraph.NewAnnouncer(telegraph.AnnouncerOpts{
			Poster:    poster,
			ChannelID: cfg.Telegraph.ChannelID,
			Events: telegraph.Events{
				Visitors: cfg.Telegraph.Events.Visitors,
				Training: cfg.Telegraph.Events.Training,
			},
			Digest:  cfg.Telegraph.Digest,
			Summary: digestSummary(current),
			Logger:  a.logger.Named("telegraph"),
		})
		if err != nil {
			return x, err
		}
		x.consumers = append(x.consumers, session.NamedConsumer{Name: "telegraph", Consumer: ann})
		x.runners = append(x.runners, ann.Run)
	}
	return x, nil
}

func digestSummary(current func() *session.Session) func() (telegraph.FormattedEvent, bool) {
	order := make([]string, len(presence.Categories))
	for i, c := range presence.Categories {
		order[i] = string(c)
	}
	return func() (telegraph.FormattedEvent, bool) {
		s := current()
		if s == nil {
			return telegraph.FormattedEvent{}, false
		}
		counts := dashboard.CountsOf(s)
		cats := make(map[string]int, len(counts.Categories))
		for c, n := range counts.Categories {
			cats[string(c)] = n
		}
		return telegraph.FormatDigest(telegraph.Digest{
			Traffic:    counts.Traffic,
			Categories: cats,
			Untrained:  s.Training().UntrainedCounts(),
			Job:        s.Training().Job(),
		}, order), true
	}
}

// printLoop prints a status line whenever presence, training or the
// channel changes. On a terminal the line is redrawn in place.
func printLoop(ctx context.Context, out io.Writer, s *session.Session, tty bool) error {
	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	removes := []func(){
		s.Presence().OnChange(notify),
		s.Training().OnChange(notify),
		s.Adapter().OnStateChange(func(channel.State, error) { notify() }),
	}
	defer func() {
		for _, rm := range removes {
			rm()
		}
	}()

	last := ""
	for {
		line := statusLine(s)
		if line != last {
			if tty {
				fmt.Fprintf(out, "\r\033[K%s", line)
			} else {
				fmt.Fprintln(out, line)
			}
			last = line
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if tty {
				fmt.Fprintln(out)
			}
			return ctx.Err()
		}
	}
}

// statusLine renders counters, job and channel state on one line.
func statusLine(s *session.Session) string {
	counts := dashboard.CountsOf(s)
	var b strings.Builder
	fmt.Fprintf(&b, "traffic %d |", counts.Traffic)
	for _, c := range presence.Categories[1:] {
		fmt.Fprintf(&b, " %s %d", c, counts.Categories[c])
	}
	job := s.Training().Job()
	fmt.Fprintf(&b, " | job %s", job.Status)
	if job.Status == models.JobTraining {
		fmt.Fprintf(&b, " %d%%", job.Progress)
	}
	if n := untrainedTotal(s.Training().UntrainedCounts()); n > 0 {
		fmt.Fprintf(&b, " (%d untrained)", n)
	}
	fmt.Fprintf(&b, " | channel %s", counts.Channel)
	return b.String()
}

func untrainedTotal(m map[models.SourceKind]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
