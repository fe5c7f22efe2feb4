package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type ApplicationStatus string

const (
	ApplicationPending           ApplicationStatus = "pending"
	ApplicationRunning           ApplicationStatus = "running"
	ApplicationRequiresAttention ApplicationStatus = "requires_attention"
	ApplicationCompleted         ApplicationStatus = "completed"
	ApplicationFailed            ApplicationStatus = "failed"
)

// Rank orders statuses for conditional updates: a write only lands when
// the new status ranks strictly above the stored one, so stale webhook
// or poll results can never move an application backwards. Both terminal
// statuses share the top rank and therefore never replace each other.
func (s ApplicationStatus) Rank() int {
	switch s {
	case ApplicationPending:
		return 0
	case ApplicationRunning:
		return 1
	case ApplicationRequiresAttention:
		return 2
	case ApplicationCompleted, ApplicationFailed:
		return 3
	}
	return -1
}

func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationCompleted || s == ApplicationFailed
}

func (s ApplicationStatus) Valid() bool {
	return s.Rank() >= 0
}

// Application tracks one submission attempt for a (profile, job) pair
// through its whole lifecycle. At most one non-failed row may exist per
// pair; a partial unique index on the pair enforces that in the store.
// Rows are never deleted.
type Application struct {
	ID              uuid.UUID         `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProfileID       uuid.UUID         `gorm:"type:uuid;index" json:"profile_id"`
	JobID           uuid.UUID         `gorm:"type:uuid;index" json:"job_id"`
	IdempotencyKey  string            `gorm:"type:varchar(64);index" json:"idempotency_key"`
	Status          ApplicationStatus `gorm:"type:varchar(32);index" json:"status"`
	TaskRef         string            `gorm:"type:varchar(128);index" json:"task_ref"`
	CancelRequested bool              `json:"cancel_requested"`
	Result          string            `gorm:"type:jsonb" json:"result"`
	ErrorDetail     string            `gorm:"type:text" json:"error_detail"`
	SubmittedAt     *time.Time        `json:"submitted_at"`
	LastCheckedAt   *time.Time        `json:"last_checked_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (a *Application) TableName() string {
	return "applications"
}

// IdempotencyKey derives the stable submission key for a pair. The same
// pair always hashes to the same key, on any node.
func IdempotencyKey(profileID, jobID uuid.UUID) string {
	sum := sha256.Sum256([]byte(profileID.String() + ":" + jobID.String()))
	return hex.EncodeToString(sum[:])
}
