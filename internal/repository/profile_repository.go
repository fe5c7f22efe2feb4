package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
)

type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db}
}

// FindEmbedded loads a profile that already has a vector. A profile
// that exists but was never embedded reads as not found; it cannot be
// matched yet either way.
func (r *ProfileRepository) FindEmbedded(ctx context.Context, id uuid.UUID) (*model.Profile, error) {
	var p model.Profile
	err := r.db.WithContext(ctx).
		Where("id = ? AND embedding IS NOT NULL", id).
		First(&p).Error
	return &p, err
}

// ListAutoApply lists profiles enrolled in auto-apply, without their
// vectors.
func (r *ProfileRepository) ListAutoApply(ctx context.Context) ([]model.Profile, error) {
	var out []model.Profile
	err := r.db.WithContext(ctx).
		Select("id", "auto_apply", "match_threshold").
		Where("auto_apply = true AND embedding IS NOT NULL").
		Find(&out).Error
	return out, err
}
