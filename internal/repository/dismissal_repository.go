package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DismissalRepository struct {
	db *gorm.DB
}

func NewDismissalRepository(db *gorm.DB) *DismissalRepository {
	return &DismissalRepository{db}
}

// Save records a dismissal. Re-dismissing refreshes the timestamp.
func (r *DismissalRepository) Save(ctx context.Context, profileID uuid.UUID, sourceID string) error {
	d := model.Dismissal{
		ProfileID:   profileID,
		SourceID:    sourceID,
		DismissedAt: time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "profile_id"}, {Name: "source_id"}},
			UpdateAll: true,
		}).
		Create(&d).Error
}

// ListSourceIDs returns every posting source this profile dismissed.
func (r *DismissalRepository) ListSourceIDs(ctx context.Context, profileID uuid.UUID) ([]string, error) {
	var out []string
	err := r.db.WithContext(ctx).Model(&model.Dismissal{}).
		Where("profile_id = ?", profileID).
		Pluck("source_id", &out).Error
	return out, err
}
