package model

import (
	"time"

	"github.com/google/uuid"
)

// Dismissal records that a profile declined a posting. Keyed by the
// upstream source id rather than our row id, so the dismissal sticks
// even when the posting disappears from the feed and is re-ingested
// later under a fresh row.
type Dismissal struct {
	ProfileID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"profile_id"`
	SourceID    string    `gorm:"type:varchar(128);primaryKey" json:"source_id"`
	DismissedAt time.Time `json:"dismissed_at"`
}

func (d *Dismissal) TableName() string {
	return "dismissals"
}
