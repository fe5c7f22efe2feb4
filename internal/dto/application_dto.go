package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/model"
)

// AutomationWebhookRequest is the status callback posted by the
// automation collaborator.
type AutomationWebhookRequest struct {
	TaskRef string          `json:"task_ref"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

type SubmitApplicationRequest struct {
	ProfileID uuid.UUID `json:"profile_id"`
	JobID     uuid.UUID `json:"job_id"`
}

type DismissalRequest struct {
	SourceID string `json:"source_id"`
}

type ApplicationDTO struct {
	ID              uuid.UUID       `json:"id"`
	ProfileID       uuid.UUID       `json:"profile_id"`
	JobID           uuid.UUID       `json:"job_id"`
	Status          string          `json:"status"`
	TaskRef         string          `json:"task_ref,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	LastCheckedAt   *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func NewApplicationDTO(app *model.Application) ApplicationDTO {
	out := ApplicationDTO{
		ID:              app.ID,
		ProfileID:       app.ProfileID,
		JobID:           app.JobID,
		Status:          string(app.Status),
		TaskRef:         app.TaskRef,
		CancelRequested: app.CancelRequested,
		ErrorDetail:     app.ErrorDetail,
		SubmittedAt:     app.SubmittedAt,
		LastCheckedAt:   app.LastCheckedAt,
		CreatedAt:       app.CreatedAt,
		UpdatedAt:       app.UpdatedAt,
	}
	if app.Result != "" {
		out.Result = json.RawMessage(app.Result)
	}
	return out
}
