package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/syncerr"
)

// Compile-time interface compliance check.
var _ Transport = (*MockTransport)(nil)

type recorder struct {
	ch chan Notification
}

func newRecorder() *recorder { return &recorder{ch: make(chan Notification, 16)} }

func (r *recorder) HandleNotification(_ context.Context, n Notification) { r.ch <- n }

func (r *recorder) next(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case n := <-r.ch:
		t.Fatalf("unexpected notification %s", n.Event)
	case <-time.After(30 * time.Millisecond):
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *MockDialer) {
	t.Helper()
	d := NewMockDialer()
	a, err := NewAdapter(AdapterOpts{Dial: d.Dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, d
}

var scopeA = Scope{OrgID: "org-a", ChatbotID: "bot-a"}
var scopeB = Scope{OrgID: "org-b", ChatbotID: "bot-b"}

func TestNewAdapter_RequiresDialer(t *testing.T) {
	_, err := NewAdapter(AdapterOpts{})
	assert.Error(t, err)
}

func TestAdapter_DeliversInOrderWithGeneration(t *testing.T) {
	a, d := newTestAdapter(t)
	require.NoError(t, a.Open(context.Background(), scopeA))
	assert.Equal(t, StateAvailable, a.State())
	assert.Equal(t, scopeA, d.Last().Scope())

	rec := newRecorder()
	sub, err := a.Subscribe("presence", rec)
	require.NoError(t, err)
	assert.True(t, sub.Active())
	assert.Equal(t, a.Generation(), sub.Generation())

	d.Last().SimulateVisitor(UpdateConnected, models.Visitor{ID: "v1", Room: "bot-a:v1", IsOnline: true})
	d.Last().SimulateVisitor(UpdateDisconnected, models.Visitor{ID: "v1", Room: "bot-a:v1"})

	first := rec.next(t)
	require.NotNil(t, first.Visitor)
	assert.Equal(t, UpdateConnected, first.Visitor.Type)
	assert.Equal(t, a.Generation(), first.Generation)
	assert.Equal(t, "org-a", first.OrgID)
	second := rec.next(t)
	assert.Equal(t, UpdateDisconnected, second.Visitor.Type)
}

func TestAdapter_OpenClosesPreviousBeforeConnecting(t *testing.T) {
	d := NewMockDialer()
	var mu sync.Mutex
	var dialed []*MockTransport
	closedBeforeDial := true
	a, err := NewAdapter(AdapterOpts{Dial: func() (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, prev := range dialed {
			if !prev.Closed() {
				closedBeforeDial = false
			}
		}
		tr, err := d.Dial()
		dialed = append(dialed, tr.(*MockTransport))
		return tr, err
	}})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Open(context.Background(), scopeA))
	oldRec := newRecorder()
	oldSub, err := a.Subscribe("presence", oldRec)
	require.NoError(t, err)
	oldTransport := d.Last()
	genA := a.Generation()

	require.NoError(t, a.Open(context.Background(), scopeB))
	assert.True(t, closedBeforeDial, "previous transport must be closed before the next is dialed")
	assert.True(t, oldTransport.Closed())
	assert.Greater(t, a.Generation(), genA)
	assert.False(t, oldSub.Active())
	assert.False(t, oldTransport.SimulateVisitor(UpdateConnected, models.Visitor{ID: "stale"}))

	newRec := newRecorder()
	_, err = a.Subscribe("presence", newRec)
	require.NoError(t, err)
	d.Last().SimulateVisitor(UpdateConnected, models.Visitor{ID: "v2", ChatbotID: "bot-b"})

	n := newRec.next(t)
	assert.Equal(t, "v2", n.Visitor.Visitor.ID)
	assert.Equal(t, "org-b", n.OrgID)
	oldRec.none(t)
}

func TestAdapter_DropsForeignOrgNotifications(t *testing.T) {
	a, d := newTestAdapter(t)
	require.NoError(t, a.Open(context.Background(), scopeA))
	rec := newRecorder()
	_, err := a.Subscribe("training", rec)
	require.NoError(t, err)

	tr := d.Last()
	tr.SimulateTraining(EventTrainingCompleted, "org-b", OrgNotice("org-b", nil, "", ""))
	tr.SimulateTraining(EventTrainingProgress, "org-a", OrgNotice("org-b", Progress(10), "", ""))
	tr.SimulateVisitor(UpdateConnected, models.Visitor{ID: "v9", ChatbotID: "bot-other"})
	tr.SimulateTraining(EventTrainingCompleted, "org-a", OrgNotice("org-a", nil, "done", ""))

	n := rec.next(t)
	assert.Equal(t, EventTrainingCompleted, n.Event)
	require.True(t, n.IsTraining())
	assert.Equal(t, "done", n.Training.Message)
	rec.none(t)
}

func TestAdapter_CloseIsIdempotent(t *testing.T) {
	a, d := newTestAdapter(t)
	require.NoError(t, a.Close())

	require.NoError(t, a.Open(context.Background(), scopeA))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, StateClosed, a.State())
	assert.True(t, d.Last().Closed())

	_, err := a.Subscribe("late", newRecorder())
	assert.Error(t, err)
}

func TestAdapter_UnavailableThenReconnect(t *testing.T) {
	a, d := newTestAdapter(t)
	var mu sync.Mutex
	var seen []State
	var lastErr error
	a.OnStateChange(func(s State, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
		if err != nil {
			lastErr = err
		}
	})

	d.FailConnects(errors.New("connection refused"))
	err := a.Open(context.Background(), scopeA)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrTransport)
	assert.Equal(t, StateUnavailable, a.State())

	rec := newRecorder()
	sub, err := a.Subscribe("presence", rec)
	require.NoError(t, err)

	d.FailConnects(nil)
	require.NoError(t, a.Reconnect(context.Background()))
	assert.Equal(t, StateAvailable, a.State())
	assert.True(t, sub.Active())

	d.Last().SimulateVisitor(UpdateConnected, models.Visitor{ID: "v1"})
	assert.Equal(t, "v1", rec.next(t).Visitor.Visitor.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StateUnavailable)
	assert.ErrorIs(t, lastErr, syncerr.ErrTransport)
}

func TestAdapter_TransportDropMarksUnavailable(t *testing.T) {
	a, d := newTestAdapter(t)
	errs := make(chan error, 4)
	a.OnStateChange(func(s State, err error) {
		if s == StateUnavailable {
			errs <- err
		}
	})
	require.NoError(t, a.Open(context.Background(), scopeA))

	d.Last().Drop()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, syncerr.ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("no unavailable transition after drop")
	}
	assert.Equal(t, StateUnavailable, a.State())
}

func TestAdapter_Emit(t *testing.T) {
	a, d := newTestAdapter(t)

	err := a.Emit(context.Background(), DirectiveOpenChat, OpenChat{Room: "r1"})
	assert.ErrorIs(t, err, syncerr.ErrTransport)
	assert.ErrorIs(t, err, syncerr.ErrUnavailable)

	require.NoError(t, a.Open(context.Background(), scopeA))
	require.NoError(t, a.Emit(context.Background(), DirectiveOpenChat, OpenChat{Room: "r1", ConversationID: "c1"}))

	sent := d.Last().Emitted()
	require.Len(t, sent, 1)
	assert.Equal(t, DirectiveOpenChat, sent[0].Event)
	var p OpenChat
	require.NoError(t, json.Unmarshal(sent[0].Data, &p))
	assert.Equal(t, OpenChat{Room: "r1", ConversationID: "c1"}, p)

	d.Last().FailEmit(errors.New("write: broken pipe"))
	assert.ErrorIs(t, a.Emit(context.Background(), DirectiveOpenChat, OpenChat{Room: "r2"}), syncerr.ErrTransport)
}

func TestWith_ReleasesOnEveryPath(t *testing.T) {
	a, _ := newTestAdapter(t)
	require.NoError(t, a.Open(context.Background(), scopeA))

	var held *Subscription
	boom := errors.New("boom")
	err := With(a, "scoped", newRecorder(), func(s *Subscription) error {
		held = s
		assert.True(t, s.Active())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, held.Active())

	err = With(a, "scoped", newRecorder(), func(s *Subscription) error {
		held = s
		return nil
	})
	require.NoError(t, err)
	assert.False(t, held.Active())
	held.Close()
}

func TestAdapter_OpenRejectsEmptyScope(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Open(context.Background(), Scope{})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}
