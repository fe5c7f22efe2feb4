package model

import "time"

// IngestCursor marks how far ingestion has durably progressed for one
// feed source. The cursor value is opaque to us; it only ever advances
// past fully processed pages.
type IngestCursor struct {
	Source    string    `gorm:"type:varchar(60);primaryKey" json:"source"`
	Cursor    string    `gorm:"type:text" json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *IngestCursor) TableName() string {
	return "ingest_cursors"
}
