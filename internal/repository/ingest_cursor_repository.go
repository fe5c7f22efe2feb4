package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jobraker/engine/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IngestCursorRepository struct {
	db *gorm.DB
}

func NewIngestCursorRepository(db *gorm.DB) *IngestCursorRepository {
	return &IngestCursorRepository{db}
}

// Get returns the committed cursor for a source, empty when the source
// has never completed a page.
func (r *IngestCursorRepository) Get(ctx context.Context, source string) (string, error) {
	var c model.IngestCursor
	err := r.db.WithContext(ctx).First(&c, "source = ?", source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Cursor, nil
}

// Save commits the cursor. Called only after every page at or before it
// processed cleanly.
func (r *IngestCursorRepository) Save(ctx context.Context, source, cursor string) error {
	c := model.IngestCursor{
		Source:    source,
		Cursor:    cursor,
		UpdatedAt: time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}},
			UpdateAll: true,
		}).
		Create(&c).Error
}
