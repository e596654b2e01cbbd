package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/presence"
)

// Violation is an invariant check that failed after a replayed entry.
type Violation struct {
	EntryID uint   `json:"entry_id"`
	Err     string `json:"error"`
}

// Report summarizes a replay.
type Report struct {
	Replayed   int                       `json:"replayed"`
	Skipped    int                       `json:"skipped"`
	Generation uint64                    `json:"generation"`
	Traffic    int                       `json:"traffic"`
	Counts     map[presence.Category]int `json:"counts"`
	Violations []Violation               `json:"violations,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// Replay feeds the recorded visitor updates of orgID into a fresh register
// and checks its invariants after each one. A new scope generation resets
// the register, as opening a session does.
func Replay(ctx context.Context, db *gorm.DB, orgID string) (Report, error) {
	entries, err := Entries(ctx, db, Query{OrgID: orgID, Category: models.CategoryNotification})
	if err != nil {
		return Report{}, err
	}
	reg := presence.NewRegister(presence.RegisterOpts{})
	var rep Report
	seen := false
	for _, e := range entries {
		if e.Event != channel.EventVisitorUpdate {
			continue
		}
		if seen && e.Generation != rep.Generation {
			reg.Reset(nil)
		}
		seen, rep.Generation = true, e.Generation

		var u channel.VisitorUpdate
		if err := json.Unmarshal([]byte(e.Payload), &u); err != nil {
			rep.Skipped++
			continue
		}
		if err := reg.Ingest(presence.Update{Type: u.Type, Visitor: u.Visitor}); err != nil {
			rep.Skipped++
			continue
		}
		rep.Replayed++
		if err := reg.Check(); err != nil {
			rep.Violations = append(rep.Violations, Violation{EntryID: e.ID, Err: err.Error()})
		}
	}
	rep.Traffic = reg.TrafficCount()
	rep.Counts = reg.CategoryCounts()
	if n := reg.RecountTraffic(); n != rep.Traffic {
		rep.Violations = append(rep.Violations, Violation{Err: fmt.Sprintf("final traffic %d, recount %d", rep.Traffic, n)})
	}
	return rep, nil
}
