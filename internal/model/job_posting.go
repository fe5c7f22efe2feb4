package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

type EmbedStatus string

const (
	EmbedPending  EmbedStatus = "pending"
	EmbedReady    EmbedStatus = "ready"
	EmbedRejected EmbedStatus = "rejected" // blocked by provider moderation, never retried
)

// JobPosting is the canonical copy of an upstream job ad. Rows are
// upserted by source id and never deleted; postings that drop out of the
// feed are marked stale by the retention sweep.
type JobPosting struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SourceID        string          `gorm:"type:varchar(128);uniqueIndex" json:"source_id"`
	Title           string          `json:"title"`
	Description     string          `gorm:"type:text" json:"description"`
	ContentHash     string          `gorm:"type:varchar(64)" json:"content_hash"`
	Embedding       pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	EmbedStatus     EmbedStatus     `gorm:"type:varchar(20);index" json:"embed_status"`
	Location        string          `json:"location"`
	CompensationMin *int64          `json:"compensation_min"`
	CompensationMax *int64          `json:"compensation_max"`
	EmploymentType  string          `gorm:"type:varchar(50)" json:"employment_type"`
	FirstSeenAt     time.Time       `json:"first_seen_at"`
	LastSeenAt      time.Time       `gorm:"index" json:"last_seen_at"`
	Stale           bool            `json:"stale"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (p *JobPosting) TableName() string {
	return "job_postings"
}
