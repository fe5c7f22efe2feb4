package handler

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jobraker/engine/internal/dto"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/usecase"
	"github.com/jobraker/engine/internal/util"
)

type statusApplier interface {
	ApplyStatusUpdate(ctx context.Context, taskRef, providerStatus, result, errDetail string) error
}

// WebhookHandler receives status callbacks from the automation
// collaborator. Webhooks are the primary status channel; polling only
// covers the gaps.
type WebhookHandler struct {
	submissions statusApplier
	secret      string
}

func NewWebhookHandler(submissions statusApplier, secret string) *WebhookHandler {
	return &WebhookHandler{submissions: submissions, secret: secret}
}

func (h *WebhookHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/webhooks/automation", h.Automation)
}

func (h *WebhookHandler) Automation(c *fiber.Ctx) error {
	provided := c.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusUnauthorized,
			Message: "invalid webhook secret",
		})
	}

	var req dto.AutomationWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "malformed webhook payload",
		})
	}
	if req.TaskRef == "" || req.Status == "" {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "task_ref and status are required",
		})
	}

	err := h.submissions.ApplyStatusUpdate(c.Context(), req.TaskRef, req.Status, string(req.Result), req.Error)
	switch {
	case errors.Is(err, usecase.ErrUnknownTaskRef):
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "no application for task ref",
		})
	case fault.IsIntegrity(err):
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "unrecognized status",
		})
	case err != nil:
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to apply status update",
		})
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "status update applied",
	})
}
