package model

import (
	"time"

	"github.com/google/uuid"
)

// MatchResult is one scored candidate from the match engine. Ephemeral,
// never persisted.
type MatchResult struct {
	ProfileID  uuid.UUID `json:"profile_id"`
	JobID      uuid.UUID `json:"job_id"`
	SourceID   string    `json:"source_id"`
	Title      string    `json:"title"`
	Score      float64   `json:"score"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
