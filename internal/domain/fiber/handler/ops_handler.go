package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jobraker/engine/internal/middleware"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/usecase"
	"github.com/jobraker/engine/internal/util"
	"go.uber.org/zap"
)

type breakerSnapshotter interface {
	Snapshot() []model.CircuitState
}

type ingestRunner interface {
	RunOnce(ctx context.Context) (*usecase.IngestReport, error)
}

type sweepRunner interface {
	Sweep(ctx context.Context) error
}

// OpsHandler exposes operational controls. Each trigger route carries
// its own tight rate limit on top of the global one.
type OpsHandler struct {
	exec      breakerSnapshotter
	ingestion ingestRunner
	scheduler sweepRunner
	logger    *zap.Logger
}

func NewOpsHandler(exec breakerSnapshotter, ingestion ingestRunner, scheduler sweepRunner, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{exec: exec, ingestion: ingestion, scheduler: scheduler, logger: logger}
}

func (h *OpsHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/ops/breakers", h.Breakers)
	app.Post("/ops/ingest", middleware.RateLimiter(2, time.Minute), h.TriggerIngest)
	app.Post("/ops/sweep", middleware.RateLimiter(2, time.Minute), h.TriggerSweep)
}

func (h *OpsHandler) Breakers(c *fiber.Ctx) error {
	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Message: "circuit breaker states",
		Data:    h.exec.Snapshot(),
	})
}

// TriggerIngest kicks off an ingestion run in the background. The run
// outlives the request, so it gets its own context.
func (h *OpsHandler) TriggerIngest(c *fiber.Ctx) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		report, err := h.ingestion.RunOnce(ctx)
		if err != nil {
			h.logger.Error("manual ingestion run failed", zap.Error(err))
			return
		}
		h.logger.Info("manual ingestion run finished",
			zap.Int("pages", report.Pages),
			zap.Int("upserted", report.Upserted),
			zap.Int("quarantined", report.Quarantined))
	}()

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Code:    fiber.StatusAccepted,
		Message: "ingestion run started",
	})
}

func (h *OpsHandler) TriggerSweep(c *fiber.Ctx) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := h.scheduler.Sweep(ctx); err != nil {
			h.logger.Error("manual sweep failed", zap.Error(err))
		}
	}()

	return util.SuccessResponse(c, util.SuccessResponseFormat{
		Code:    fiber.StatusAccepted,
		Message: "sweep started",
	})
}
