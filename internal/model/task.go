package model

import (
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskDispatchApplication TaskKind = "dispatch_application"
	TaskPollApplication     TaskKind = "poll_application"
	TaskEmbedPosting        TaskKind = "embed_posting"
	TaskSweepProfile        TaskKind = "sweep_profile"
)

// Priority orders claims so user-visible work drains first.
func (k TaskKind) Priority() int {
	switch k {
	case TaskDispatchApplication:
		return 30
	case TaskPollApplication:
		return 20
	case TaskEmbedPosting:
		return 10
	case TaskSweepProfile:
		return 0
	}
	return 0
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is one unit of durable background work. The dedupe key collapses
// repeat enqueues while a task is still pending or running, so a sweep
// that sees the same posting twice produces one embed task.
type Task struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Kind        TaskKind   `gorm:"type:varchar(40);index" json:"kind"`
	Payload     string     `gorm:"type:jsonb" json:"payload"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `gorm:"type:varchar(20);index" json:"status"`
	DedupeKey   string     `gorm:"type:varchar(160)" json:"dedupe_key"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RunAt       time.Time  `gorm:"index" json:"run_at"`
	LockedAt    *time.Time `json:"locked_at"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t *Task) TableName() string {
	return "tasks"
}
