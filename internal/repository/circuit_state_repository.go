package repository

import (
	"context"

	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CircuitStateRepository struct {
	db *gorm.DB
}

func NewCircuitStateRepository(db *gorm.DB) *CircuitStateRepository {
	return &CircuitStateRepository{db}
}

func (r *CircuitStateRepository) Save(ctx context.Context, st model.CircuitState) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service"}},
			UpdateAll: true,
		}).
		Create(&st).Error
}

func (r *CircuitStateRepository) LoadAll(ctx context.Context) ([]model.CircuitState, error) {
	var out []model.CircuitState
	err := r.db.WithContext(ctx).Find(&out).Error
	return out, err
}
