package models

import "time"

// Journal categories.
const (
	CategoryNotification = "notification"
	CategoryMutation     = "mutation"
)

// JournalEntry records one channel notification or one mutation outcome.
type JournalEntry struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	EntryID    string `gorm:"size:36;uniqueIndex"`
	OrgID      string `gorm:"size:64;not null;index:idx_journal_org_time"`
	Generation uint64
	Category   string    `gorm:"size:16;not null;index"`
	Event      string    `gorm:"size:64;not null"`
	Entity     string    `gorm:"size:255"`
	Outcome    string    `gorm:"size:16"`
	Payload    string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index:idx_journal_org_time"`
}
