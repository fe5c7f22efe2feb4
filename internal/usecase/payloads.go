package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
)

// taskQueue is the enqueue side of the durable task queue, shared by
// every usecase that schedules background work.
type taskQueue interface {
	Enqueue(ctx context.Context, kind model.TaskKind, payload any, dedupeKey string, runAt time.Time) (bool, error)
}

// Task payloads exchanged through the durable queue. The dedupe keys
// collapse repeat enqueues of the same unit of work.

type DispatchPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
}

type PollPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
}

type EmbedPayload struct {
	PostingID uuid.UUID `json:"posting_id"`
}

type SweepPayload struct {
	ProfileID uuid.UUID `json:"profile_id"`
}

func dispatchKey(id uuid.UUID) string { return "dispatch:" + id.String() }
func pollKey(id uuid.UUID) string     { return "poll:" + id.String() }
func embedKey(id uuid.UUID) string    { return "embed:" + id.String() }
func sweepKey(id uuid.UUID) string    { return "sweep:" + id.String() }
