package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Profile is a read model owned by the profile service; the engine only
// consumes the embedding and the auto-apply settings.
type Profile struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Embedding      pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	EmbeddedAt     *time.Time      `json:"embedded_at"`
	AutoApply      bool            `gorm:"index" json:"auto_apply"`
	MatchThreshold float64         `json:"match_threshold"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p *Profile) TableName() string {
	return "profiles"
}
