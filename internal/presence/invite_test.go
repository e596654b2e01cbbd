package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/syncerr"
)

type fakeConversationAPI struct {
	mu      sync.Mutex
	calls   []models.ConversationRequest
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeConversationAPI) CreateConversation(_ context.Context, req models.ConversationRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("conv-%d", n), nil
}

func (f *fakeConversationAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []channel.OpenChat
	err  error
}

func (f *fakeEmitter) Emit(_ context.Context, directive string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return syncerr.Transport("emit", directive, f.err)
	}
	f.sent = append(f.sent, payload.(channel.OpenChat))
	return nil
}

func newTestInviter(t *testing.T, api *fakeConversationAPI, em *fakeEmitter) (*Inviter, *Register) {
	t.Helper()
	reg := NewRegister(RegisterOpts{})
	in, err := NewInviter(InviterOpts{Register: reg, API: api, Emitter: em, ChatbotID: "bot"})
	require.NoError(t, err)
	return in, reg
}

func TestNewInviter_Validation(t *testing.T) {
	reg := NewRegister(RegisterOpts{})
	tests := []struct {
		name string
		opts InviterOpts
	}{
		{"no register", InviterOpts{API: &fakeConversationAPI{}, Emitter: &fakeEmitter{}}},
		{"no api", InviterOpts{Register: reg, Emitter: &fakeEmitter{}}},
		{"no emitter", InviterOpts{Register: reg, API: &fakeConversationAPI{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInviter(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestInvite_SecondInviteSameRoomIsRejected(t *testing.T) {
	api := &fakeConversationAPI{}
	em := &fakeEmitter{}
	in, reg := newTestInviter(t, api, em)
	v := visitor("v1", at(1))
	require.NoError(t, reg.Ingest(connected(v)))

	inv, err := in.Invite(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", inv.ConversationID)
	assert.Equal(t, v.Room, inv.Room)

	again, err := in.Invite(context.Background(), v)
	assert.ErrorIs(t, err, syncerr.ErrAlreadyInvited)
	assert.Equal(t, inv.ID, again.ID)

	assert.Equal(t, 1, api.callCount())
	assert.Len(t, in.Invited(), 1)
	assert.Equal(t, 1, reg.CategoryCounts()[CategoryInvited])
	assert.Equal(t, []string{"v1"}, visitorIDs(reg.Filter(CategoryInvited)))
	require.Len(t, em.sent, 1)
	assert.Equal(t, channel.OpenChat{Room: v.Room, ConversationID: "conv-1"}, em.sent[0])
}

func TestInvite_RequestPayload(t *testing.T) {
	api := &fakeConversationAPI{}
	in, _ := newTestInviter(t, api, &fakeEmitter{})

	_, err := in.Invite(context.Background(), visitor("anon", at(1)))
	require.NoError(t, err)
	email := "ada@example.com"
	known := visitor("known", at(2))
	known.Email = &email
	_, err = in.Invite(context.Background(), known)
	require.NoError(t, err)

	require.Len(t, api.calls, 2)
	assert.Equal(t, models.ConversationRequest{UserEmail: DefaultInviteEmail, ChatbotID: "bot", UserID: "anon"}, api.calls[0])
	assert.Equal(t, "ada@example.com", api.calls[1].UserEmail)
}

func TestInvite_InFlightReportsAlreadyInvited(t *testing.T) {
	api := &fakeConversationAPI{entered: make(chan struct{}), release: make(chan struct{})}
	in, _ := newTestInviter(t, api, &fakeEmitter{})
	v := visitor("v1", at(1))

	done := make(chan error, 1)
	go func() {
		_, err := in.Invite(context.Background(), v)
		done <- err
	}()
	<-api.entered

	_, err := in.Invite(context.Background(), v)
	assert.ErrorIs(t, err, syncerr.ErrAlreadyInvited)
	assert.True(t, in.IsInvited(v.Room))

	close(api.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, api.callCount())
}

func TestInvite_CreationFailureRollsBack(t *testing.T) {
	api := &fakeConversationAPI{err: errors.New("500 internal server error")}
	em := &fakeEmitter{}
	in, reg := newTestInviter(t, api, em)
	v := visitor("v1", at(1))

	_, err := in.Invite(context.Background(), v)
	assert.ErrorIs(t, err, syncerr.ErrPersistence)
	assert.False(t, in.IsInvited(v.Room))
	assert.Equal(t, 0, reg.CategoryCounts()[CategoryInvited])
	assert.Empty(t, em.sent, "open_chat must not be sent when creation fails")

	api.err = nil
	_, err = in.Invite(context.Background(), v)
	require.NoError(t, err, "room is invitable again after rollback")
}

func TestInvite_EmitFailureRollsBack(t *testing.T) {
	em := &fakeEmitter{err: errors.New("channel unavailable")}
	in, _ := newTestInviter(t, &fakeConversationAPI{}, em)
	v := visitor("v1", at(1))

	_, err := in.Invite(context.Background(), v)
	assert.ErrorIs(t, err, syncerr.ErrTransport)
	assert.False(t, in.IsInvited(v.Room))
}

func TestInvite_ParksVisitorUpdatesUntilResolved(t *testing.T) {
	api := &fakeConversationAPI{entered: make(chan struct{}), release: make(chan struct{})}
	in, reg := newTestInviter(t, api, &fakeEmitter{})
	v := visitor("v1", at(1))
	require.NoError(t, reg.Ingest(connected(v)))

	done := make(chan error, 1)
	go func() {
		_, err := in.Invite(context.Background(), v)
		done <- err
	}()
	<-api.entered

	chatting := visitor("v1", at(2))
	chatting.ConversationStatus = &models.ConversationStatus{HasConversation: true, IsNew: true}
	require.NoError(t, reg.Ingest(connected(chatting)))
	got, _ := reg.Get("v1")
	assert.False(t, got.Conversation().HasConversation)

	close(api.release)
	require.NoError(t, <-done)
	got, _ = reg.Get("v1")
	assert.True(t, got.Conversation().HasConversation)
	assert.Equal(t, 1, reg.CategoryCounts()[CategoryChatting])
}

func TestInvite_RequiresRoom(t *testing.T) {
	in, _ := newTestInviter(t, &fakeConversationAPI{}, &fakeEmitter{})
	_, err := in.Invite(context.Background(), models.Visitor{ID: "v1"})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}
