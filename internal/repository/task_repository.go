package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db}
}

// Enqueue adds a durable task. The partial unique index on dedupe_key
// over pending and running rows collapses repeat enqueues: scheduling
// the same work twice is a silent no-op, reported by the bool.
func (r *TaskRepository) Enqueue(ctx context.Context, kind model.TaskKind, payload any, dedupeKey string, runAt time.Time) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	if runAt.IsZero() {
		runAt = time.Now()
	}

	task := model.Task{
		Kind:        kind,
		Payload:     string(body),
		Priority:    kind.Priority(),
		Status:      model.TaskPending,
		DedupeKey:   dedupeKey,
		MaxAttempts: 5,
		RunAt:       runAt,
	}
	err = r.db.WithContext(ctx).Create(&task).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Claim leases the highest-priority due task, marking it running and
// counting the attempt. SKIP LOCKED keeps concurrent workers off each
// other's rows. Returns nil when the queue is empty.
func (r *TaskRepository) Claim(ctx context.Context) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", model.TaskPending, time.Now()).
			Order("priority DESC, run_at ASC").
			First(&task).Error
		if err != nil {
			return err
		}

		now := time.Now()
		task.Status = model.TaskRunning
		task.LockedAt = &now
		task.Attempts++
		return tx.Model(&model.Task{}).
			Where("id = ?", task.ID).
			Updates(map[string]any{
				"status":    task.Status,
				"locked_at": now,
				"attempts":  task.Attempts,
			}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) Complete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", id).
		Update("status", model.TaskDone).Error
}

// Retry reschedules a failed attempt with the given delay, or parks the
// task as failed once its attempt budget is spent.
func (r *TaskRepository) Retry(ctx context.Context, task *model.Task, cause error, delay time.Duration) error {
	set := map[string]any{"last_error": cause.Error()}
	if task.Attempts >= task.MaxAttempts {
		set["status"] = model.TaskFailed
	} else {
		set["status"] = model.TaskPending
		set["run_at"] = time.Now().Add(delay)
	}
	return r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", task.ID).
		Updates(set).Error
}

// Fail parks a task immediately, skipping the remaining attempts.
func (r *TaskRepository) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	return r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     model.TaskFailed,
			"last_error": cause.Error(),
		}).Error
}

// RecoverStale requeues tasks stuck in running since before the cutoff,
// usually left behind by a crashed worker.
func (r *TaskRepository) RecoverStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("status = ? AND locked_at < ?", model.TaskRunning, lockedBefore).
		Updates(map[string]any{
			"status": model.TaskPending,
			"run_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
