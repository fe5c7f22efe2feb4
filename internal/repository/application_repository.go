package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
)

type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db}
}

// Create inserts a fresh pending application. The partial unique index
// on (profile_id, job_id) over non-failed rows turns a concurrent
// duplicate into fault.ErrIdempotencyConflict; callers fetch the
// surviving row and treat the whole thing as success.
func (r *ApplicationRepository) Create(ctx context.Context, app *model.Application) error {
	err := r.db.WithContext(ctx).Create(app).Error
	if err != nil && isUniqueViolation(err) {
		return fault.ErrIdempotencyConflict
	}
	return err
}

func (r *ApplicationRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).First(&app, "id = ?", id).Error
	return &app, err
}

func (r *ApplicationRepository) FindByTaskRef(ctx context.Context, taskRef string) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).First(&app, "task_ref = ?", taskRef).Error
	return &app, err
}

// FindActiveByPair returns the one non-failed application for the pair,
// if any.
func (r *ApplicationRepository) FindActiveByPair(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).
		Where("profile_id = ? AND job_id = ? AND status <> ?", profileID, jobID, model.ApplicationFailed).
		First(&app).Error
	return &app, err
}

// AdvanceStatus moves an application to a strictly higher-ranked status,
// applying extra column writes in the same statement. Reports whether
// the update landed; a false return means the stored status already
// ranked equal or higher and nothing changed. This is the only write
// path for status, so downgrades cannot happen anywhere.
func (r *ApplicationRepository) AdvanceStatus(ctx context.Context, id uuid.UUID, to model.ApplicationStatus, extra map[string]any) (bool, error) {
	below := statusesBelow(to)
	if len(below) == 0 {
		return false, nil
	}

	set := map[string]any{"status": to}
	for k, v := range extra {
		set[k] = v
	}

	res := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("id = ? AND status IN ?", id, below).
		Updates(set)
	return res.RowsAffected > 0, res.Error
}

// RequestCancel flags a still-pending application. Anything already
// dispatched keeps running and is only monitored to a terminal state.
func (r *ApplicationRepository) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("id = ? AND status = ?", id, model.ApplicationPending).
		Update("cancel_requested", true)
	return res.RowsAffected > 0, res.Error
}

// TouchChecked records a poll or webhook observation time.
func (r *ApplicationRepository) TouchChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Application{}).
		Where("id = ?", id).
		Update("last_checked_at", at).Error
}

// CountActive is the back-pressure gauge: applications submitted but
// not yet settled.
func (r *ApplicationRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("status IN ?", []model.ApplicationStatus{model.ApplicationPending, model.ApplicationRunning}).
		Count(&n).Error
	return n, err
}

// FindOverdueRunning lists running applications that have not been
// heard from within the poll SLA, for the polling fallback.
func (r *ApplicationRepository) FindOverdueRunning(ctx context.Context, checkedBefore time.Time, limit int) ([]model.Application, error) {
	var out []model.Application
	err := r.db.WithContext(ctx).
		Where("status = ?", model.ApplicationRunning).
		Where("(last_checked_at IS NULL AND submitted_at < ?) OR last_checked_at < ?", checkedBefore, checkedBefore).
		Order("submitted_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListByProfile pages through a profile's applications, newest first.
func (r *ApplicationRepository) ListByProfile(ctx context.Context, profileID uuid.UUID, page, pageSize int) ([]model.Application, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("profile_id = ?", profileID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []model.Application
	err := r.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&out).Error
	return out, total, err
}

// ActiveJobIDs lists every posting this profile has a non-failed
// application for. These are excluded from future matching.
func (r *ApplicationRepository) ActiveJobIDs(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&model.Application{}).
		Where("profile_id = ? AND status <> ?", profileID, model.ApplicationFailed).
		Pluck("job_id", &ids).Error
	return ids, err
}

func statusesBelow(to model.ApplicationStatus) []model.ApplicationStatus {
	all := []model.ApplicationStatus{
		model.ApplicationPending,
		model.ApplicationRunning,
		model.ApplicationRequiresAttention,
		model.ApplicationCompleted,
		model.ApplicationFailed,
	}
	var below []model.ApplicationStatus
	for _, s := range all {
		if s.Rank() < to.Rank() {
			below = append(below, s)
		}
	}
	return below
}
