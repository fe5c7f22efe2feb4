package service

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/fault"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ServiceAutomation names the browser-automation dependency for the
// resilience layer.
const ServiceAutomation = "automation"

// SubmitRequest is the payload handed to the automation collaborator.
// The idempotency key makes remote retries collapse: the collaborator
// returns the existing task for a key it has already seen.
type SubmitRequest struct {
	ApplicationID  uuid.UUID `json:"application_id"`
	ProfileID      uuid.UUID `json:"profile_id"`
	JobSourceID    string    `json:"job_source_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type SubmitResult struct {
	TaskRef string `json:"task_ref"`
}

// StatusResult is one observation of a remote task, from webhook or poll.
type StatusResult struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

type AutomationService struct {
	client *resty.Client
	logger *zap.Logger
}

func NewAutomationService(cfg config.AutomationConfig, logger *zap.Logger) *AutomationService {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &AutomationService{client: client, logger: logger}
}

// SubmitApplication starts a remote submission task. A 409 means the
// collaborator already holds a task for this idempotency key; the
// existing ref is returned as a success.
func (s *AutomationService) SubmitApplication(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		Post("/tasks")
	if err != nil {
		return nil, fault.Transient(ServiceAutomation, err)
	}

	switch {
	case resp.StatusCode() < 300 || resp.StatusCode() == 409:
		ref := gjson.GetBytes(resp.Body(), "task_ref").String()
		if ref == "" {
			return nil, fault.Transient(ServiceAutomation,
				fmt.Errorf("submit response %d missing task_ref", resp.StatusCode()))
		}
		if resp.StatusCode() == 409 {
			s.logger.Info("submission collapsed on remote idempotency key",
				zap.String("task_ref", ref),
				zap.String("application_id", req.ApplicationID.String()))
		}
		return &SubmitResult{TaskRef: ref}, nil

	case resp.StatusCode() == 429 || resp.StatusCode() >= 500:
		return nil, fault.Transient(ServiceAutomation,
			fmt.Errorf("submit returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200)))

	default:
		return nil, fault.Terminal(ServiceAutomation,
			fmt.Errorf("submit returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200)))
	}
}

// TaskStatus polls one remote task.
func (s *AutomationService) TaskStatus(ctx context.Context, taskRef string) (*StatusResult, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("ref", taskRef).
		Get("/tasks/{ref}")
	if err != nil {
		return nil, fault.Transient(ServiceAutomation, err)
	}

	if resp.StatusCode() >= 400 {
		err := fmt.Errorf("status check returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
		if resp.StatusCode() == 429 || resp.StatusCode() >= 500 {
			return nil, fault.Transient(ServiceAutomation, err)
		}
		return nil, fault.Terminal(ServiceAutomation, err)
	}

	body := resp.Body()
	st := &StatusResult{
		Status: gjson.GetBytes(body, "status").String(),
		Result: gjson.GetBytes(body, "result").Raw,
		Error:  gjson.GetBytes(body, "error").String(),
	}
	if st.Status == "" {
		return nil, fault.Transient(ServiceAutomation, fmt.Errorf("status response missing status"))
	}
	return st, nil
}
