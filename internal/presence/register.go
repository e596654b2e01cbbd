// Package presence tracks live visitors of one chatbot and the rooms the
// operator has invited into a conversation.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/syncerr"
)

// Category is a traffic tab.
type Category string

const (
	CategoryAll        Category = "all"
	CategoryBrowsing   Category = "browsing"
	CategoryChatting   Category = "chatting"
	CategorySupervised Category = "supervised"
	CategoryQueued     Category = "queued"
	CategoryWaiting    Category = "waiting"
	CategoryInvited    Category = "invited"
)

// Categories lists every tab in display order.
var Categories = []Category{
	CategoryAll, CategoryBrowsing, CategoryChatting, CategorySupervised,
	CategoryQueued, CategoryWaiting, CategoryInvited,
}

// ParseCategory maps a tab name to its Category. Empty means all.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return CategoryAll, nil
	}
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("presence: unknown category %q", s)
}

// predicates derive the visitor tabs from a visitor record. "all" and
// "invited" are not record predicates.
var predicates = map[string]func(models.Visitor) bool{
	string(CategoryBrowsing): func(v models.Visitor) bool {
		return v.IsOnline && !v.Conversation().HasConversation
	},
	string(CategoryChatting): func(v models.Visitor) bool {
		cs := v.Conversation()
		return cs.HasConversation && !cs.IsClosed
	},
	string(CategorySupervised): func(v models.Visitor) bool {
		cs := v.Conversation()
		return cs.HasConversation && cs.AssignedUserID != nil
	},
	string(CategoryQueued): func(v models.Visitor) bool {
		cs := v.Conversation()
		return cs.HasConversation && cs.IsNew && cs.AssignedUserID == nil
	},
	string(CategoryWaiting): func(v models.Visitor) bool {
		cs := v.Conversation()
		return cs.HasConversation && cs.LastMessageRole == models.RoleUser
	},
	"online": func(v models.Visitor) bool { return v.IsOnline },
}

// visitorLess orders online visitors first, then most recently updated.
func visitorLess(a, b models.Visitor) bool {
	if a.IsOnline != b.IsOnline {
		return a.IsOnline
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Update is one presence change.
type Update struct {
	Type    string
	Visitor models.Visitor
}

// VisitorAPI fetches the authoritative visitor list.
type VisitorAPI interface {
	GetAllLiveVisitors(ctx context.Context, chatbotID string) ([]models.Visitor, error)
}

// RegisterOpts holds parameters for NewRegister.
type RegisterOpts struct {
	Logger *zap.Logger
}

// Register is the live visitor list of one chatbot. It is safe for
// concurrent use.
type Register struct {
	logger *zap.Logger

	mu       sync.RWMutex
	visitors *reconcile.Collection[string, models.Visitor]
	traffic  int
	parked   map[string]Update
	invites  map[string]Invitation

	listenMu  sync.Mutex
	listeners map[int]func()
	nextLis   int
}

// NewRegister creates an empty register.
func NewRegister(opts RegisterOpts) *Register {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Register{
		logger: logger,
		visitors: reconcile.NewCollection(
			func(v models.Visitor) string { return v.ID },
			visitorLess,
			predicates,
		),
		parked:    make(map[string]Update),
		invites:   make(map[string]Invitation),
		listeners: make(map[int]func()),
	}
}

// Ingest applies a presence update. Updates for a visitor with a pending
// local mutation are parked until it resolves; the latest parked update wins.
func (r *Register) Ingest(u Update) error {
	if u.Visitor.ID == "" {
		return syncerr.Validation("ingest", "", errors.New("visitor id is required"))
	}
	if u.Type != channel.UpdateConnected && u.Type != channel.UpdateDisconnected {
		return syncerr.Validation("ingest", u.Visitor.ID, fmt.Errorf("unknown update type %q", u.Type))
	}
	r.mu.Lock()
	if r.visitors.IsPending(u.Visitor.ID) {
		r.parked[u.Visitor.ID] = u
		r.mu.Unlock()
		r.logger.Debug("visitor update parked", zap.String("visitor", u.Visitor.ID))
		return nil
	}
	changed := r.apply(u)
	r.mu.Unlock()
	if changed {
		r.changed()
	}
	return nil
}

// apply upserts the visitor and adjusts traffic on online transitions.
// Callers hold mu.
func (r *Register) apply(u Update) bool {
	next := u.Visitor
	next.IsOnline = u.Type == channel.UpdateConnected

	prev, existed := r.visitors.Get(next.ID)
	if existed && next.UpdatedAt.Before(prev.UpdatedAt) {
		r.logger.Debug("stale visitor update ignored", zap.String("visitor", next.ID))
		return false
	}
	if existed && next.ConversationStatus == nil {
		next.ConversationStatus = prev.ConversationStatus
	}
	if existed && next.Room == "" {
		next.Room = prev.Room
	}
	r.visitors.Upsert(next)

	wasOnline := existed && prev.IsOnline
	switch {
	case !wasOnline && next.IsOnline:
		r.traffic++
	case wasOnline && !next.IsOnline:
		r.traffic--
	}
	return true
}

// HandleNotification ingests visitor_update notifications.
func (r *Register) HandleNotification(_ context.Context, n channel.Notification) {
	if n.Visitor == nil {
		return
	}
	if err := r.Ingest(Update{Type: n.Visitor.Type, Visitor: n.Visitor.Visitor}); err != nil {
		r.logger.Warn("visitor update rejected", zap.Error(err))
	}
}

// Reset replaces the register with an authoritative visitor list. Pending
// visitors keep their local record; traffic is recounted from scratch.
func (r *Register) Reset(visitors []models.Visitor) {
	r.mu.Lock()
	r.visitors.Replace(visitors)
	r.traffic = r.visitors.Recount("online")
	r.mu.Unlock()
	r.changed()
}

// Bootstrap fetches the live visitor list of chatbotID and resets to it.
func (r *Register) Bootstrap(ctx context.Context, api VisitorAPI, chatbotID string) error {
	visitors, err := api.GetAllLiveVisitors(ctx, chatbotID)
	if err != nil {
		if syncerr.Classified(err) {
			return err
		}
		return syncerr.Transport("bootstrap", chatbotID, err)
	}
	r.Reset(visitors)
	r.logger.Debug("presence bootstrapped", zap.String("chatbot", chatbotID), zap.Int("visitors", len(visitors)))
	return nil
}

// Hold marks a visitor as owned by a local mutation.
func (r *Register) Hold(visitorID string) {
	if visitorID == "" {
		return
	}
	r.mu.Lock()
	r.visitors.MarkPending(visitorID)
	r.mu.Unlock()
}

// Release drops the hold on a visitor and applies its parked update.
func (r *Register) Release(visitorID string) {
	if visitorID == "" {
		return
	}
	r.mu.Lock()
	r.visitors.ClearPending(visitorID)
	u, ok := r.parked[visitorID]
	delete(r.parked, visitorID)
	changed := ok && r.apply(u)
	r.mu.Unlock()
	if changed {
		r.changed()
	}
}

// Get returns the visitor with id.
func (r *Register) Get(id string) (models.Visitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visitors.Get(id)
}

// List returns every visitor: online first, then most recently updated.
func (r *Register) List() []models.Visitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visitors.List()
}

// Len returns the number of known visitors.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visitors.Len()
}

// Filter returns, in list order, the visitors of a tab.
func (r *Register) Filter(c Category) []models.Visitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch c {
	case CategoryAll:
		return r.visitors.List()
	case CategoryInvited:
		return r.visitors.Filter(func(v models.Visitor) bool {
			_, ok := r.invites[v.Room]
			return ok
		})
	}
	pred, ok := predicates[string(c)]
	if !ok {
		return nil
	}
	return r.visitors.Filter(pred)
}

// CategoryCounts returns the size of every tab.
func (r *Register) CategoryCounts() map[Category]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		switch c {
		case CategoryAll:
			out[c] = r.visitors.Len()
		case CategoryInvited:
			out[c] = len(r.invites)
		default:
			out[c] = r.visitors.Count(string(c))
		}
	}
	return out
}

// TrafficCount returns the incrementally maintained online count.
func (r *Register) TrafficCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.traffic
}

// RecountTraffic counts online visitors from scratch.
func (r *Register) RecountTraffic() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visitors.Recount("online")
}

// Check verifies the register's invariants: list order and traffic count.
func (r *Register) Check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	if !r.visitors.Sorted() {
		errs = append(errs, errors.New("visitor list out of order"))
	}
	if n := r.visitors.Recount("online"); n != r.traffic {
		errs = append(errs, fmt.Errorf("traffic count %d, recount %d", r.traffic, n))
	}
	return errors.Join(errs...)
}

// OnChange registers fn to run after every change. The returned func
// removes it.
func (r *Register) OnChange(fn func()) (remove func()) {
	r.listenMu.Lock()
	id := r.nextLis
	r.nextLis++
	r.listeners[id] = fn
	r.listenMu.Unlock()
	return func() {
		r.listenMu.Lock()
		delete(r.listeners, id)
		r.listenMu.Unlock()
	}
}

func (r *Register) changed() {
	r.listenMu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
