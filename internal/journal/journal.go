// Package journal records channel notifications and mutation outcomes to a
// database for diagnostics, and replays recorded visitor updates.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/reconcile"
)

const defaultQueue = 1024

// RecorderOpts holds parameters for NewRecorder.
type RecorderOpts struct {
	DB     *gorm.DB
	OrgID  string
	Queue  int
	Logger *zap.Logger
	Now    func() time.Time
}

// Recorder turns notifications and mutation results into journal entries.
// Entries are queued and written by Run so the channel pump never waits on
// the database.
type Recorder struct {
	db      *gorm.DB
	orgID   string
	logger  *zap.Logger
	now     func() time.Time
	queue   chan models.JournalEntry
	dropped atomic.Int64
}

// NewRecorder validates opts and creates a Recorder.
func NewRecorder(opts RecorderOpts) (*Recorder, error) {
	if opts.DB == nil {
		return nil, errors.New("journal: db is required")
	}
	if opts.OrgID == "" {
		return nil, errors.New("journal: org id is required")
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultQueue
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:     opts.DB,
		orgID:  opts.OrgID,
		logger: logger,
		now:    opts.Now,
		queue:  make(chan models.JournalEntry, opts.Queue),
	}, nil
}

// HandleNotification implements channel.Consumer.
func (r *Recorder) HandleNotification(_ context.Context, n channel.Notification) {
	e := models.JournalEntry{
		OrgID:      r.orgID,
		Generation: n.Generation,
		Category:   models.CategoryNotification,
		Event:      n.Event,
		Payload:    string(n.Raw),
		CreatedAt:  n.ReceivedAt,
	}
	if n.Visitor != nil {
		e.Entity = n.Visitor.Visitor.ID
		e.Outcome = n.Visitor.Type
	}
	r.enqueue(e)
}

// ObserveMutation records one mutation step. Use it as a coordinator
// observer.
func (r *Recorder) ObserveMutation(res reconcile.Result) {
	e := models.JournalEntry{
		OrgID:    r.orgID,
		Category: models.CategoryMutation,
		Event:    res.Op,
		Entity:   res.Entity,
		Outcome:  string(res.Outcome),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if b, err := json.Marshal(map[string]any{"mutation": res.ID, "duration_ms": res.Duration.Milliseconds()}); err == nil {
		e.Payload = string(b)
	}
	r.enqueue(e)
}

func (r *Recorder) enqueue(e models.JournalEntry) {
	e.EntryID = uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("journal queue full, dropping entries", zap.Int64("dropped", r.dropped.Load()))
		}
	}
}

// Dropped returns how many entries were dropped on a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued entries until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, r.batch(e))
		case <-ctx.Done():
			r.Flush(context.Background())
			return nil
		}
	}
}

// Flush writes every queued entry.
func (r *Recorder) Flush(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, r.batch(e))
		default:
			return
		}
	}
}

func (r *Recorder) batch(first models.JournalEntry) []models.JournalEntry {
	out := []models.JournalEntry{first}
	for len(out) < 100 {
		select {
		case e := <-r.queue:
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

func (r *Recorder) write(ctx context.Context, entries []models.JournalEntry) {
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		r.logger.Warn("journal write failed", zap.Int("entries", len(entries)), zap.Error(err))
	}
}

// Query filters Entries.
type Query struct {
	OrgID    string
	Category string
	Since    time.Time
	Limit    int
}

// Entries returns matching entries in insertion order.
func Entries(ctx context.Context, db *gorm.DB, q Query) ([]models.JournalEntry, error) {
	tx := db.WithContext(ctx).Model(&models.JournalEntry{})
	if q.OrgID != "" {
		tx = tx.Where("org_id = ?", q.OrgID)
	}
	if q.Category != "" {
		tx = tx.Where("category = ?", q.Category)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []models.JournalEntry
	if err := tx.Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: entries: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than before and returns how many went.
func Prune(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&models.JournalEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("journal: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
