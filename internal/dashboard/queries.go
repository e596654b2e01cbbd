package dashboard

import (
	"time"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/presence"
	"github.com/zulandar/signalbox/internal/session"
)

// VisitorRow holds visitor data for display.
type VisitorRow struct {
	ID           string    `json:"visitor_id"`
	Room         string    `json:"room"`
	Email        string    `json:"email"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Online       bool      `json:"is_online"`
	Conversation string    `json:"conversation"`
	Invited      bool      `json:"invited"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VisitorList is one traffic tab.
type VisitorList struct {
	Tab      presence.Category `json:"tab"`
	Count    int               `json:"count"`
	Visitors []VisitorRow      `json:"visitors"`
}

// Counts holds the traffic counter and every tab count.
type Counts struct {
	Traffic    int                       `json:"traffic"`
	Categories map[presence.Category]int `json:"categories"`
	Channel    string                    `json:"channel"`
	Refetched  *time.Time                `json:"last_refetch,omitempty"`
}

// TrainingView is the training panel.
type TrainingView struct {
	Job           models.TrainingJob                           `json:"job"`
	NeedsTraining bool                                         `json:"needs_training"`
	Untrained     map[models.SourceKind]int                    `json:"untrained"`
	Sources       map[models.SourceKind][]models.TrainingSource `json:"sources"`
}

// Visitors returns the visitors of tab, in register order.
func Visitors(s *session.Session, tab presence.Category) VisitorList {
	reg := s.Presence()
	list := reg.Filter(tab)
	rows := make([]VisitorRow, len(list))
	for i, v := range list {
		rows[i] = VisitorRow{
			ID:           v.ID,
			Room:         v.Room,
			Email:        v.EmailOr(presence.DefaultInviteEmail),
			IPAddress:    v.IPAddress,
			Online:       v.IsOnline,
			Conversation: conversationLabel(v),
			Invited:      s.Inviter().IsInvited(v.Room),
			UpdatedAt:    v.UpdatedAt,
		}
	}
	return VisitorList{Tab: tab, Count: len(rows), Visitors: rows}
}

func conversationLabel(v models.Visitor) string {
	cs := v.Conversation()
	switch {
	case !cs.HasConversation:
		return "none"
	case cs.IsClosed:
		return "closed"
	case cs.AssignedUserID != nil:
		return "assigned"
	case cs.IsNew:
		return "new"
	default:
		return "open"
	}
}

// CountsOf returns the session's counters.
func CountsOf(s *session.Session) Counts {
	out := Counts{
		Traffic:    s.Presence().TrafficCount(),
		Categories: s.Presence().CategoryCounts(),
		Channel:    s.ChannelState().String(),
	}
	if t := s.LastRefetch(); !t.IsZero() {
		out.Refetched = &t
	}
	return out
}

// TrainingOf returns the training panel.
func TrainingOf(s *session.Session) TrainingView {
	agg := s.Training()
	sources := make(map[models.SourceKind][]models.TrainingSource, len(models.SourceKinds))
	for _, k := range models.SourceKinds {
		sources[k] = agg.Sources(k)
	}
	return TrainingView{
		Job:           agg.Job(),
		NeedsTraining: agg.NeedsTraining(),
		Untrained:     agg.UntrainedCounts(),
		Sources:       sources,
	}
}
