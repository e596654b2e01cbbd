// Package channel adapts an organization-scoped push transport into ordered
// notifications for in-process consumers.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/models"
)

// Event names carried on the channel.
const (
	EventVisitorUpdate     = "visitor_update"
	EventTrainingProgress  = "training:progress"
	EventTrainingCompleted = "training:completed"
	EventTrainingError     = "training:error"

	// DirectiveOpenChat asks the visitor's widget to open a conversation.
	DirectiveOpenChat = "open_chat"
)

// Visitor update types.
const (
	UpdateConnected    = "connected"
	UpdateDisconnected = "disconnected"
)

// Scope identifies the organization (and its chatbot) a channel is open for.
type Scope struct {
	OrgID     string
	ChatbotID string
}

// Validate checks that the scope names an organization.
func (s Scope) Validate() error {
	if s.OrgID == "" {
		return errors.New("channel: org id is required")
	}
	return nil
}

// DashboardRoom is the room the server broadcasts visitor updates to.
func (s Scope) DashboardRoom() string { return "dashboard:" + s.ChatbotID }

// TrainingTopic returns the org-scoped name of a training event.
func TrainingTopic(event, orgID string) string { return event + ":" + orgID }

// Envelope is the wire form every transport carries.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("channel: marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// VisitorUpdate is the payload of visitor_update.
type VisitorUpdate struct {
	Type    string         `json:"type"`
	Visitor models.Visitor `json:"visitor"`
}

// TrainingNotice is the payload of the training events.
type TrainingNotice struct {
	OrganizationID flexString `json:"organization_id"`
	Progress       *int       `json:"progress,omitempty"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// OpenChat is the payload of the open_chat directive.
type OpenChat struct {
	Room           string `json:"room"`
	ConversationID string `json:"conversationId"`
}

// Notification is a decoded envelope stamped with the scope generation it
// arrived on.
type Notification struct {
	Event      string
	OrgID      string
	Generation uint64
	ReceivedAt time.Time
	Raw        json.RawMessage

	Visitor  *VisitorUpdate
	Training *TrainingNotice
}

// IsTraining reports whether n is one of the training events.
func (n Notification) IsTraining() bool { return n.Training != nil }

// errForeignScope marks a notification that belongs to another organization.
var errForeignScope = errors.New("channel: notification outside scope")

// Decode parses env for scope. Training events name their organization in
// the event; one that names another organization yields errForeignScope.
func Decode(env Envelope, scope Scope) (Notification, error) {
	n := Notification{Event: env.Event, OrgID: scope.OrgID, Raw: env.Data}
	switch {
	case env.Event == EventVisitorUpdate:
		var u VisitorUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return n, fmt.Errorf("channel: decode %s: %w", env.Event, err)
		}
		if u.Type != UpdateConnected && u.Type != UpdateDisconnected {
			return n, fmt.Errorf("channel: decode %s: unknown type %q", env.Event, u.Type)
		}
		if u.Visitor.ChatbotID != "" && scope.ChatbotID != "" && u.Visitor.ChatbotID != scope.ChatbotID {
			return n, errForeignScope
		}
		n.Visitor = &u
	case strings.HasPrefix(env.Event, "training:"):
		base, org, ok := splitTrainingEvent(env.Event)
		if !ok {
			return n, fmt.Errorf("channel: unknown event %q", env.Event)
		}
		if org != scope.OrgID {
			return n, errForeignScope
		}
		var t TrainingNotice
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return n, fmt.Errorf("channel: decode %s: %w", env.Event, err)
		}
		if t.OrganizationID != "" && string(t.OrganizationID) != scope.OrgID {
			return n, errForeignScope
		}
		n.Event = base
		n.Training = &t
	default:
		return n, fmt.Errorf("channel: unknown event %q", env.Event)
	}
	return n, nil
}

func splitTrainingEvent(event string) (base, org string, ok bool) {
	for _, b := range []string{EventTrainingProgress, EventTrainingCompleted, EventTrainingError} {
		if rest, found := strings.CutPrefix(event, b+":"); found && rest != "" {
			return b, rest, true
		}
	}
	return "", "", false
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// OrgNotice builds a training notice for orgID.
func OrgNotice(orgID string, progress *int, message, errText string) TrainingNotice {
	return TrainingNotice{OrganizationID: flexString(orgID), Progress: progress, Message: message, Error: errText}
}

// Org returns the organization the notice names.
func (t TrainingNotice) Org() string { return string(t.OrganizationID) }

// Progress returns a pointer to p, for building notices.
func Progress(p int) *int { return &p }

// Transport is a push connection to the realtime server.
type Transport interface {
	// Connect joins scope. It must be called once, before Listen.
	Connect(ctx context.Context, scope Scope) error
	// Listen returns the inbound stream. The channel is closed when the
	// transport drops or is closed.
	Listen(ctx context.Context) (<-chan Envelope, error)
	// Emit sends an outbound directive.
	Emit(ctx context.Context, env Envelope) error
	// Close disconnects. It is idempotent.
	Close() error
}

// Dialer creates a fresh, unconnected transport.
type Dialer func() (Transport, error)

// Consumer receives notifications in arrival order. Consumers must not call
// Open or Close on the adapter delivering to them.
type Consumer interface {
	HandleNotification(ctx context.Context, n Notification)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, n Notification)

func (f ConsumerFunc) HandleNotification(ctx context.Context, n Notification) { f(ctx, n) }
