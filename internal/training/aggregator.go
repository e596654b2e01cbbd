// Package training tracks an organization's knowledge sources and the
// state of its training job.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/syncerr"
)

const partitionUntrained = "untrained"

// AutomationAPI is the remote automation record of an organization.
type AutomationAPI interface {
	GetAutomation(ctx context.Context) (models.AutomationSnapshot, error)
	CreateOrUpdateAutomation(ctx context.Context, update models.AutomationUpdate) error
	TriggerTraining(ctx context.Context, chatbotID string) (models.TriggerAck, error)
	DeleteTrainingSource(ctx context.Context, key string, kind models.SourceKind) error
}

// Limits caps the number of sources per kind. Zero or absent is unlimited.
type Limits map[models.SourceKind]int

// AggregatorOpts holds parameters for NewAggregator.
type AggregatorOpts struct {
	API         AutomationAPI
	Coordinator *reconcile.Coordinator
	ChatbotID   string
	Limits      Limits
	Logger      *zap.Logger
	Now         func() time.Time
}

// Aggregator is the client view of an organization's sources and training
// job. It is safe for concurrent use.
type Aggregator struct {
	api       AutomationAPI
	coord     *reconcile.Coordinator
	chatbotID string
	limits    Limits
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	sources map[models.SourceKind]*reconcile.Collection[string, models.TrainingSource]
	job     models.TrainingJob
	// triggering is set while a trigger request is outstanding; awaiting
	// while an accepted trigger has not been confirmed finished.
	triggering bool
	awaiting   bool

	listenMu  sync.Mutex
	listeners map[int]func()
	nextLis   int
}

// NewAggregator validates opts and creates an Aggregator with an idle job
// and no sources.
func NewAggregator(opts AggregatorOpts) (*Aggregator, error) {
	if opts.API == nil {
		return nil, errors.New("training: automation api is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coord := opts.Coordinator
	if coord == nil {
		coord = reconcile.NewCoordinator(reconcile.CoordinatorOpts{Logger: logger})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{
		api:       opts.API,
		coord:     coord,
		chatbotID: opts.ChatbotID,
		limits:    opts.Limits,
		logger:    logger,
		now:       now,
		sources:   make(map[models.SourceKind]*reconcile.Collection[string, models.TrainingSource]),
		job:       models.TrainingJob{Status: models.JobIdle},
		listeners: make(map[int]func()),
	}
	for _, k := range models.SourceKinds {
		a.sources[k] = reconcile.NewCollection(
			func(s models.TrainingSource) string { return s.Key },
			sourceLess,
			map[string]func(models.TrainingSource) bool{
				partitionUntrained: func(s models.TrainingSource) bool { return !s.IsTrained },
			},
		)
	}
	return a, nil
}

// sourceLess orders sources newest first.
func sourceLess(a, b models.TrainingSource) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Key < b.Key
}

// NormalizeURL prefixes https:// to a website address without a scheme.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "https://" + u
	}
	return u
}

func (a *Aggregator) collection(kind models.SourceKind) (*reconcile.Collection[string, models.TrainingSource], error) {
	c, ok := a.sources[kind]
	if !ok {
		return nil, syncerr.Validation("source", string(kind), fmt.Errorf("unknown source kind %q", kind))
	}
	return c, nil
}

func sourceEntity(kind models.SourceKind) string { return "sources:" + string(kind) }

// AddSource appends an untrained source and persists the kind's list.
// Empty and duplicate keys and a full plan are rejected before any change.
// A failed write removes the source again.
func (a *Aggregator) AddSource(ctx context.Context, kind models.SourceKind, src models.TrainingSource) error {
	coll, err := a.collection(kind)
	if err != nil {
		return err
	}
	src.Kind = kind
	src.IsTrained = false
	src.Key = strings.TrimSpace(src.Key)
	if kind == models.KindWebsite {
		src.Key = NormalizeURL(src.Key)
	}
	if src.UpdatedAt.IsZero() {
		src.UpdatedAt = a.now().UTC()
	}
	if src.Title == "" {
		src.Title = src.Key
	}
	if src.Key == "" {
		return syncerr.Validation("add_source", string(kind), syncerr.ErrEmptyKey)
	}
	if err := a.checkAdd(coll, kind, src.Key); err != nil {
		return err
	}

	var list []models.TrainingSource
	log := a.logger.With(zap.String("kind", string(kind)), zap.String("key", src.Key))
	err = a.coord.Do(ctx, reconcile.Mutation{
		Entity: sourceEntity(kind),
		Op:     "add_source",
		Policy: reconcile.Queue(),
		Apply: func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			if err := a.checkAddLocked(coll, kind, src.Key); err != nil {
				return err
			}
			coll.Upsert(src)
			coll.MarkPending(src.Key)
			list = coll.List()
			return nil
		},
		Remote: func(ctx context.Context) error {
			return a.api.CreateOrUpdateAutomation(ctx, models.NewAutomationUpdate(kind, list))
		},
		Revert: func() {
			a.mu.Lock()
			coll.Remove(src.Key)
			a.mu.Unlock()
		},
		Settle: func(error) {
			a.mu.Lock()
			coll.ClearPending(src.Key)
			a.mu.Unlock()
			a.changed()
		},
	})
	if err != nil {
		return err
	}
	log.Info("source added")
	return nil
}

func (a *Aggregator) checkAdd(coll *reconcile.Collection[string, models.TrainingSource], kind models.SourceKind, key string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.checkAddLocked(coll, kind, key)
}

func (a *Aggregator) checkAddLocked(coll *reconcile.Collection[string, models.TrainingSource], kind models.SourceKind, key string) error {
	entity := string(kind) + ":" + key
	if coll.Has(key) {
		return syncerr.Validation("add_source", entity, syncerr.ErrDuplicateSource)
	}
	if limit := a.limits[kind]; limit > 0 && coll.Len() >= limit {
		return syncerr.Validation("add_source", entity, fmt.Errorf("%w (%d)", syncerr.ErrSourceLimit, limit))
	}
	return nil
}

// RemoveSource drops a source and deletes it remotely. A failed delete puts
// it back.
func (a *Aggregator) RemoveSource(ctx context.Context, kind models.SourceKind, key string) error {
	coll, err := a.collection(kind)
	if err != nil {
		return err
	}
	if kind == models.KindWebsite {
		key = NormalizeURL(key)
	}
	var prev models.TrainingSource
	err = a.coord.Do(ctx, reconcile.Mutation{
		Entity: sourceEntity(kind),
		Op:     "remove_source",
		Policy: reconcile.Queue(),
		Apply: func() error {
			a.mu.Lock()
			defer a.mu.Unlock()
			p, ok := coll.Remove(key)
			if !ok {
				return syncerr.Validation("remove_source", string(kind)+":"+key, syncerr.ErrUnknownSource)
			}
			prev = p
			coll.MarkPending(key)
			return nil
		},
		Remote: func(ctx context.Context) error {
			return a.api.DeleteTrainingSource(ctx, key, kind)
		},
		Revert: func() {
			a.mu.Lock()
			coll.Upsert(prev)
			a.mu.Unlock()
		},
		Settle: func(error) {
			a.mu.Lock()
			coll.ClearPending(key)
			a.mu.Unlock()
			a.changed()
		},
	})
	if err != nil {
		return err
	}
	a.logger.Info("source removed", zap.String("kind", string(kind)), zap.String("key", key))
	return nil
}

// TriggerTraining starts a training job. A job already training is a
// conflict and makes no call. A rejected trigger returns the job to idle;
// an accepted one stays training until a refresh reports it finished.
func (a *Aggregator) TriggerTraining(ctx context.Context) error {
	var ack models.TriggerAck
	err := a.coord.Do(ctx, reconcile.Mutation{
		Entity: "training-job",
		Op:     "trigger_training",
		Apply: func() error {
			a.mu.Lock()
			if a.job.Status == models.JobTraining {
				a.mu.Unlock()
				return syncerr.Conflict("trigger_training", a.chatbotID, syncerr.ErrAlreadyTraining)
			}
			a.job = models.TrainingJob{Status: models.JobTraining}
			a.triggering = true
			a.mu.Unlock()
			a.changed()
			return nil
		},
		Remote: func(ctx context.Context) error {
			var err error
			ack, err = a.api.TriggerTraining(ctx, a.chatbotID)
			return err
		},
		Revert: func() {
			// A rejected trigger ends idle, whatever hints arrived meanwhile.
			a.mu.Lock()
			a.job = models.TrainingJob{Status: models.JobIdle}
			a.mu.Unlock()
		},
		Settle: func(err error) {
			a.mu.Lock()
			a.triggering = false
			if err == nil && a.job.Status == models.JobTraining {
				a.awaiting = true
			}
			a.mu.Unlock()
			a.changed()
		},
	})
	if errors.Is(err, syncerr.ErrInFlight) {
		return syncerr.Conflict("trigger_training", a.chatbotID, syncerr.ErrAlreadyTraining)
	}
	if err != nil {
		return err
	}
	if ack.Status == models.AckAlreadyTraining {
		a.logger.Info("training already running on server", zap.String("chatbot", a.chatbotID))
	} else {
		a.logger.Info("training triggered", zap.String("chatbot", a.chatbotID))
	}
	return nil
}

// HandleNotification applies a training event as a hint and then refreshes
// from the authoritative record.
func (a *Aggregator) HandleNotification(ctx context.Context, n channel.Notification) {
	if n.Training == nil {
		return
	}
	a.applyHint(n.Event, *n.Training)
	if err := a.Refresh(ctx); err != nil {
		a.logger.Warn("training refresh failed", zap.String("event", n.Event), zap.Error(err))
	}
}

func (a *Aggregator) applyHint(event string, t channel.TrainingNotice) {
	a.mu.Lock()
	switch event {
	case channel.EventTrainingProgress:
		a.job.Status = models.JobTraining
		if t.Progress != nil {
			a.job.Progress = clampProgress(*t.Progress)
		}
		a.job.Message = t.Message
	case channel.EventTrainingCompleted:
		a.job = models.TrainingJob{Status: models.JobCompleted, Progress: 100, Message: t.Message}
	case channel.EventTrainingError:
		msg := t.Message
		if t.Error != "" {
			msg = t.Error
		}
		a.job = models.TrainingJob{Status: models.JobFailed, Progress: a.job.Progress, Message: msg}
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.changed()
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Refresh replaces sources and job state with the authoritative snapshot.
// Sources with a mutation in flight keep their local state. While a trigger
// is outstanding or unconfirmed, an idle snapshot does not end training.
func (a *Aggregator) Refresh(ctx context.Context) error {
	snap, err := a.api.GetAutomation(ctx)
	if err != nil {
		if syncerr.Classified(err) {
			return err
		}
		return syncerr.Transport("refresh", a.chatbotID, err)
	}
	a.mu.Lock()
	for _, kind := range models.SourceKinds {
		a.sources[kind].Replace(snap.Sources(kind))
	}
	job := snap.Job()
	switch job.Status {
	case models.JobCompleted, models.JobFailed:
		if a.triggering {
			break
		}
		a.awaiting = false
		a.job = job
	case models.JobTraining:
		a.job = job
	default:
		if !a.triggering && !a.awaiting {
			a.job = job
		}
	}
	a.mu.Unlock()
	a.changed()
	return nil
}

// Sources returns the sources of kind, newest first.
func (a *Aggregator) Sources(kind models.SourceKind) []models.TrainingSource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.sources[kind]
	if !ok {
		return nil
	}
	return c.List()
}

// UntrainedCounts returns the number of untrained sources per kind.
func (a *Aggregator) UntrainedCounts() map[models.SourceKind]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[models.SourceKind]int, len(a.sources))
	for k, c := range a.sources {
		out[k] = c.Count(partitionUntrained)
	}
	return out
}

// NeedsTraining reports whether any source is untrained.
func (a *Aggregator) NeedsTraining() bool {
	for _, n := range a.UntrainedCounts() {
		if n > 0 {
			return true
		}
	}
	return false
}

// Job returns the training job.
func (a *Aggregator) Job() models.TrainingJob {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.job
}

// Check verifies every untrained counter against a recount.
func (a *Aggregator) Check() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var errs []error
	for k, c := range a.sources {
		if got, want := c.Count(partitionUntrained), c.Recount(partitionUntrained); got != want {
			errs = append(errs, fmt.Errorf("%s untrained count %d, recount %d", k, got, want))
		}
	}
	return errors.Join(errs...)
}

// OnChange registers fn to run after every change. The returned func
// removes it.
func (a *Aggregator) OnChange(fn func()) (remove func()) {
	a.listenMu.Lock()
	id := a.nextLis
	a.nextLis++
	a.listeners[id] = fn
	a.listenMu.Unlock()
	return func() {
		a.listenMu.Lock()
		delete(a.listeners, id)
		a.listenMu.Unlock()
	}
}

func (a *Aggregator) changed() {
	a.listenMu.Lock()
	fns := make([]func(), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.listenMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
