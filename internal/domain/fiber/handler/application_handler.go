package handler

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/dto"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/response"
	"github.com/jobraker/engine/internal/util"
	"gorm.io/gorm"
)

type submissionUsecase interface {
	Submit(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error)
	Get(ctx context.Context, appID uuid.UUID) (*model.Application, error)
	ListByProfile(ctx context.Context, profileID uuid.UUID, page, pageSize int) ([]model.Application, int64, error)
	RequestCancel(ctx context.Context, appID uuid.UUID) (bool, error)
}

type dismissalSaver interface {
	Save(ctx context.Context, profileID uuid.UUID, sourceID string) error
}

type ApplicationHandler struct {
	submissions submissionUsecase
	dismissals  dismissalSaver
}

func NewApplicationHandler(submissions submissionUsecase, dismissals dismissalSaver) *ApplicationHandler {
	return &ApplicationHandler{submissions: submissions, dismissals: dismissals}
}

func (h *ApplicationHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/applications", h.Submit)
	app.Get("/applications/:id", h.Get)
	app.Post("/applications/:id/cancel", h.Cancel)
	app.Get("/profiles/:id/applications", h.ListByProfile)
	app.Post("/profiles/:id/dismissals", h.Dismiss)
}

func (h *ApplicationHandler) Submit(c *fiber.Ctx) error {
	var req dto.SubmitApplicationRequest
	if err := c.BodyParser(&req); err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "malformed request body",
		})
	}
	if req.ProfileID == uuid.Nil || req.JobID == uuid.Nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "profile_id and job_id are required",
		})
	}

	app, err := h.submissions.Submit(c.Context(), req.ProfileID, req.JobID)
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to queue application",
		})
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Code:    fiber.StatusCreated,
		Message: "application queued",
		Data:    dto.NewApplicationDTO(app),
	})
}

func (h *ApplicationHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid application id",
		})
	}

	app, err := h.submissions.Get(c.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "application not found",
		})
	}
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to load application",
		})
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "application retrieved",
		Data:    dto.NewApplicationDTO(app),
	})
}

func (h *ApplicationHandler) Cancel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid application id",
		})
	}

	cancelled, err := h.submissions.RequestCancel(c.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusNotFound,
			Message: "application not found",
		})
	}
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to request cancellation",
		})
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "cancellation recorded",
		Data:    fiber.Map{"cancelled": cancelled},
	})
}

func (h *ApplicationHandler) ListByProfile(c *fiber.Ctx) error {
	profileID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid profile id",
		})
	}

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := c.QueryInt("page_size", 20)
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	apps, total, err := h.submissions.ListByProfile(c.Context(), profileID, page, pageSize)
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to list applications",
		})
	}

	items := make([]dto.ApplicationDTO, 0, len(apps))
	for i := range apps {
		items = append(items, dto.NewApplicationDTO(&apps[i]))
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message:    "applications retrieved",
		Data:       items,
		Pagination: response.NewPagination(page, pageSize, len(items), total),
	})
}

func (h *ApplicationHandler) Dismiss(c *fiber.Ctx) error {
	profileID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "invalid profile id",
		})
	}

	var req dto.DismissalRequest
	if err := c.BodyParser(&req); err != nil || req.SourceID == "" {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Code:    fiber.StatusBadRequest,
			Message: "source_id is required",
		})
	}

	if err := h.dismissals.Save(c.Context(), profileID, req.SourceID); err != nil {
		return util.ErrorResponse(c, util.ErrorResponseFormat{
			Message: "failed to record dismissal",
		})
	}

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "posting dismissed",
	})
}
