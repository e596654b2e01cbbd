package presence

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/reconcile"
	"github.com/zulandar/signalbox/internal/syncerr"
)

// DefaultInviteEmail names a visitor whose email is unknown.
const DefaultInviteEmail = "New Customer"

// Invitation is an operator-initiated chat offer to one visitor room.
type Invitation struct {
	ID             string    `json:"id"`
	Room           string    `json:"room"`
	VisitorID      string    `json:"visitor_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	InvitedAt      time.Time `json:"invited_at"`
}

// ConversationAPI opens support conversations.
type ConversationAPI interface {
	CreateConversation(ctx context.Context, req models.ConversationRequest) (string, error)
}

// Emitter sends outbound channel directives.
type Emitter interface {
	Emit(ctx context.Context, directive string, payload any) error
}

// InviterOpts holds parameters for NewInviter.
type InviterOpts struct {
	Register    *Register
	API         ConversationAPI
	Emitter     Emitter
	Coordinator *reconcile.Coordinator
	ChatbotID   string
	Logger      *zap.Logger
}

// Inviter runs the invitation handshake: mark the room invited, open a
// conversation, then tell the visitor's widget to open it.
type Inviter struct {
	reg       *Register
	api       ConversationAPI
	emitter   Emitter
	coord     *reconcile.Coordinator
	chatbotID string
	logger    *zap.Logger
}

// NewInviter validates opts and creates an Inviter.
func NewInviter(opts InviterOpts) (*Inviter, error) {
	if opts.Register == nil {
		return nil, errors.New("presence: register is required")
	}
	if opts.API == nil {
		return nil, errors.New("presence: conversation api is required")
	}
	if opts.Emitter == nil {
		return nil, errors.New("presence: emitter is required")
	}
	coord := opts.Coordinator
	if coord == nil {
		coord = reconcile.NewCoordinator(reconcile.CoordinatorOpts{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inviter{
		reg:       opts.Register,
		api:       opts.API,
		emitter:   opts.Emitter,
		coord:     coord,
		chatbotID: opts.ChatbotID,
		logger:    logger,
	}, nil
}

// Invite offers a chat to v. A room that is already invited, or has an
// invitation in flight, returns the existing invitation with
// syncerr.ErrAlreadyInvited and makes no call. A failed conversation
// creation or directive rolls the room back out of the invited set.
func (in *Inviter) Invite(ctx context.Context, v models.Visitor) (Invitation, error) {
	if v.Room == "" {
		return Invitation{}, syncerr.Validation("invite", v.ID, errors.New("visitor room is required"))
	}
	if inv, ok := in.reg.Invitation(v.Room); ok {
		return inv, syncerr.Conflict("invite", v.Room, syncerr.ErrAlreadyInvited)
	}

	inv := Invitation{
		ID:        uuid.NewString(),
		Room:      v.Room,
		VisitorID: v.ID,
		InvitedAt: time.Now(),
	}
	log := in.logger.With(zap.String("room", v.Room), zap.String("visitor", v.ID))

	err := in.coord.Do(ctx, reconcile.Mutation{
		Entity: "room:" + v.Room,
		Op:     "invite",
		Apply: func() error {
			if existing, ok := in.reg.markInvited(inv); !ok {
				inv = existing
				return syncerr.Conflict("invite", v.Room, syncerr.ErrAlreadyInvited)
			}
			in.reg.Hold(v.ID)
			return nil
		},
		Remote: func(ctx context.Context) error {
			convID, err := in.api.CreateConversation(ctx, models.ConversationRequest{
				UserEmail: v.EmailOr(DefaultInviteEmail),
				ChatbotID: in.chatbotID,
				UserID:    v.ID,
			})
			if err != nil {
				if syncerr.Classified(err) {
					return err
				}
				return syncerr.Persistence("create_conversation", v.Room, err)
			}
			inv.ConversationID = convID
			in.reg.setInvitation(inv)
			return in.emitter.Emit(ctx, channel.DirectiveOpenChat, channel.OpenChat{Room: v.Room, ConversationID: convID})
		},
		Revert: func() { in.reg.unmarkInvited(v.Room) },
		Settle: func(error) { in.reg.Release(v.ID) },
	})
	if errors.Is(err, syncerr.ErrInFlight) {
		if existing, ok := in.reg.Invitation(v.Room); ok {
			inv = existing
		}
		return inv, syncerr.Conflict("invite", v.Room, syncerr.ErrAlreadyInvited)
	}
	if err != nil {
		if !errors.Is(err, syncerr.ErrAlreadyInvited) {
			log.Warn("invitation rolled back", zap.Error(err))
		}
		return inv, err
	}
	log.Info("visitor invited", zap.String("conversation", inv.ConversationID))
	return inv, nil
}

// Invited returns the invited rooms.
func (in *Inviter) Invited() []Invitation { return in.reg.Invitations() }

// IsInvited reports whether room is in the invited set.
func (in *Inviter) IsInvited(room string) bool {
	_, ok := in.reg.Invitation(room)
	return ok
}

// Invitation returns the invitation of room.
func (in *Inviter) Invitation(room string) (Invitation, bool) { return in.reg.Invitation(room) }

// Invitation returns the invitation of room.
func (r *Register) Invitation(room string) (Invitation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invites[room]
	return inv, ok
}

// Invitations returns every invitation, oldest first.
func (r *Register) Invitations() []Invitation {
	r.mu.RLock()
	out := make([]Invitation, 0, len(r.invites))
	for _, inv := range r.invites {
		out = append(out, inv)
	}
	r.mu.RUnlock()
	sortInvitations(out)
	return out
}

func (r *Register) markInvited(inv Invitation) (Invitation, bool) {
	r.mu.Lock()
	if existing, ok := r.invites[inv.Room]; ok {
		r.mu.Unlock()
		return existing, false
	}
	r.invites[inv.Room] = inv
	r.mu.Unlock()
	r.changed()
	return inv, true
}

func (r *Register) setInvitation(inv Invitation) {
	r.mu.Lock()
	if _, ok := r.invites[inv.Room]; ok {
		r.invites[inv.Room] = inv
	}
	r.mu.Unlock()
}

func (r *Register) unmarkInvited(room string) {
	r.mu.Lock()
	_, ok := r.invites[room]
	delete(r.invites, room)
	r.mu.Unlock()
	if ok {
		r.changed()
	}
}

func sortInvitations(invs []Invitation) {
	slices.SortFunc(invs, func(a, b Invitation) int {
		if c := a.InvitedAt.Compare(b.InvitedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Room, b.Room)
	})
}
