package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/resilience"
	"github.com/jobraker/engine/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type submissionAppStore interface {
	Create(ctx context.Context, app *model.Application) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Application, error)
	FindByTaskRef(ctx context.Context, taskRef string) (*model.Application, error)
	FindActiveByPair(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error)
	AdvanceStatus(ctx context.Context, id uuid.UUID, to model.ApplicationStatus, extra map[string]any) (bool, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	TouchChecked(ctx context.Context, id uuid.UUID, at time.Time) error
	FindOverdueRunning(ctx context.Context, checkedBefore time.Time, limit int) ([]model.Application, error)
	ListByProfile(ctx context.Context, profileID uuid.UUID, page, pageSize int) ([]model.Application, int64, error)
}

type submissionPostingStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.JobPosting, error)
}

type automationClient interface {
	SubmitApplication(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	TaskStatus(ctx context.Context, taskRef string) (*service.StatusResult, error)
}

// ErrUnknownTaskRef marks a status update for a task ref no application
// carries. Webhook callers turn it into a 404.
var ErrUnknownTaskRef = errors.New("no application for task ref")

// SubmissionUsecase owns the application lifecycle: creating the row,
// dispatching it to the automation collaborator, and folding webhook or
// poll observations back into status. All status writes go through the
// store's rank-guarded advance, so replayed or out-of-order updates are
// harmless.
type SubmissionUsecase struct {
	apps      submissionAppStore
	postings  submissionPostingStore
	client    automationClient
	tasks     taskQueue
	exec      *resilience.Executor
	bus       *events.Bus
	logger    *zap.Logger
	pollSLA   time.Duration
	pollBatch int
	now       func() time.Time
}

func NewSubmissionUsecase(apps submissionAppStore, postings submissionPostingStore, client automationClient, tasks taskQueue, exec *resilience.Executor, bus *events.Bus, logger *zap.Logger, pollSLA time.Duration, pollBatch int) *SubmissionUsecase {
	if pollBatch <= 0 {
		pollBatch = 100
	}
	return &SubmissionUsecase{
		apps:      apps,
		postings:  postings,
		client:    client,
		tasks:     tasks,
		exec:      exec,
		bus:       bus,
		logger:    logger,
		pollSLA:   pollSLA,
		pollBatch: pollBatch,
		now:       time.Now,
	}
}

// Submit creates the pending application for a pair and queues its
// dispatch. When a concurrent or earlier submit already holds the pair,
// the existing application is returned instead of an error; at most one
// live application per pair ever exists.
func (u *SubmissionUsecase) Submit(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error) {
	app := &model.Application{
		ProfileID:      profileID,
		JobID:          jobID,
		IdempotencyKey: model.IdempotencyKey(profileID, jobID),
		Status:         model.ApplicationPending,
		Result:         "{}",
	}

	err := u.apps.Create(ctx, app)
	if errors.Is(err, fault.ErrIdempotencyConflict) {
		existing, ferr := u.apps.FindActiveByPair(ctx, profileID, jobID)
		if ferr != nil {
			return nil, fmt.Errorf("load surviving application: %w", ferr)
		}
		u.logger.Debug("submit collapsed onto existing application",
			zap.String("application_id", existing.ID.String()))
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	if _, err := u.tasks.Enqueue(ctx, model.TaskDispatchApplication,
		DispatchPayload{ApplicationID: app.ID}, dispatchKey(app.ID), time.Time{}); err != nil {
		return nil, fmt.Errorf("enqueue dispatch: %w", err)
	}

	u.bus.Publish(events.Event{
		Kind:          events.ApplicationQueued,
		ApplicationID: app.ID,
		ProfileID:     profileID,
		JobID:         jobID,
	})
	return app, nil
}

// Dispatch is the worker body behind dispatch tasks. A transient error
// or open circuit returns non-nil so the queue retries with the row
// still pending; every other outcome settles the task.
func (u *SubmissionUsecase) Dispatch(ctx context.Context, appID uuid.UUID) error {
	app, err := u.apps.FindByID(ctx, appID)
	if err != nil {
		return fmt.Errorf("load application %s: %w", appID, err)
	}
	if app.Status != model.ApplicationPending {
		u.logger.Debug("dispatch skipped, application already moved",
			zap.String("application_id", appID.String()),
			zap.String("status", string(app.Status)))
		return nil
	}
	if app.CancelRequested {
		return u.failApplication(ctx, app, "cancelled before dispatch")
	}

	posting, err := u.postings.FindByID(ctx, app.JobID)
	if err != nil {
		return u.failApplication(ctx, app, fmt.Sprintf("job posting unavailable: %v", err))
	}

	var result *service.SubmitResult
	err = u.exec.Execute(ctx, service.ServiceAutomation, func(ctx context.Context) error {
		var submitErr error
		result, submitErr = u.client.SubmitApplication(ctx, service.SubmitRequest{
			ApplicationID:  app.ID,
			ProfileID:      app.ProfileID,
			JobSourceID:    posting.SourceID,
			IdempotencyKey: app.IdempotencyKey,
		})
		return submitErr
	})
	if err != nil {
		if fault.IsTransient(err) || errors.Is(err, fault.ErrCircuitOpen) {
			return err
		}
		return u.failApplication(ctx, app, fmt.Sprintf("submission rejected: %v", err))
	}

	now := u.now().UTC()
	moved, err := u.apps.AdvanceStatus(ctx, app.ID, model.ApplicationRunning, map[string]any{
		"task_ref":     result.TaskRef,
		"submitted_at": now,
	})
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	if !moved {
		u.logger.Warn("dispatch landed but application already past running",
			zap.String("application_id", app.ID.String()))
		return nil
	}

	u.bus.Publish(events.Event{
		Kind:          events.ApplicationSubmitted,
		ApplicationID: app.ID,
		ProfileID:     app.ProfileID,
		JobID:         app.JobID,
		Detail:        result.TaskRef,
	})
	return nil
}

func (u *SubmissionUsecase) failApplication(ctx context.Context, app *model.Application, detail string) error {
	moved, err := u.apps.AdvanceStatus(ctx, app.ID, model.ApplicationFailed, map[string]any{
		"error_detail": detail,
	})
	if err != nil {
		return fmt.Errorf("mark application failed: %w", err)
	}
	if moved {
		u.bus.Publish(events.Event{
			Kind:          events.ApplicationFailed,
			ApplicationID: app.ID,
			ProfileID:     app.ProfileID,
			JobID:         app.JobID,
			Detail:        detail,
		})
	}
	return nil
}

// mapProviderStatus translates collaborator status strings into the
// application lifecycle. Unknown strings are an integrity fault, not a
// silent default.
func mapProviderStatus(providerStatus string) (model.ApplicationStatus, error) {
	switch providerStatus {
	case "queued", "in_progress", "running":
		return model.ApplicationRunning, nil
	case "action_required", "requires_attention":
		return model.ApplicationRequiresAttention, nil
	case "completed":
		return model.ApplicationCompleted, nil
	case "failed":
		return model.ApplicationFailed, nil
	default:
		return "", fault.Integrity("automation",
			fmt.Errorf("unknown provider status %q", providerStatus))
	}
}

// ApplyStatusUpdate folds one remote observation into the application
// carrying taskRef. Updates that would move the status backwards only
// refresh the observation time.
func (u *SubmissionUsecase) ApplyStatusUpdate(ctx context.Context, taskRef, providerStatus, result, errDetail string) error {
	app, err := u.apps.FindByTaskRef(ctx, taskRef)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownTaskRef
		}
		return fmt.Errorf("load application by task ref: %w", err)
	}
	return u.applyUpdate(ctx, app, providerStatus, result, errDetail)
}

func (u *SubmissionUsecase) applyUpdate(ctx context.Context, app *model.Application, providerStatus, result, errDetail string) error {
	target, err := mapProviderStatus(providerStatus)
	if err != nil {
		return err
	}

	now := u.now().UTC()
	extra := map[string]any{"last_checked_at": now}
	if result != "" {
		extra["result"] = result
	}
	if errDetail != "" {
		extra["error_detail"] = errDetail
	}

	moved, err := u.apps.AdvanceStatus(ctx, app.ID, target, extra)
	if err != nil {
		return fmt.Errorf("apply status update: %w", err)
	}
	if !moved {
		if err := u.apps.TouchChecked(ctx, app.ID, now); err != nil {
			return fmt.Errorf("touch observation time: %w", err)
		}
		u.logger.Debug("status update was stale, observation time refreshed",
			zap.String("application_id", app.ID.String()),
			zap.String("provider_status", providerStatus))
		return nil
	}

	kind := events.ApplicationCompleted
	switch target {
	case model.ApplicationFailed:
		kind = events.ApplicationFailed
	case model.ApplicationRequiresAttention:
		kind = events.ApplicationAttention
	case model.ApplicationRunning:
		// running-to-running refreshes fall in the stale branch above;
		// landing here means a very early observation beat dispatch.
		u.logger.Debug("observation advanced application to running",
			zap.String("application_id", app.ID.String()))
		return nil
	}
	u.bus.Publish(events.Event{
		Kind:          kind,
		ApplicationID: app.ID,
		ProfileID:     app.ProfileID,
		JobID:         app.JobID,
		Detail:        errDetail,
	})
	return nil
}

// Get reads one application.
func (u *SubmissionUsecase) Get(ctx context.Context, appID uuid.UUID) (*model.Application, error) {
	return u.apps.FindByID(ctx, appID)
}

// ListByProfile pages through a profile's applications.
func (u *SubmissionUsecase) ListByProfile(ctx context.Context, profileID uuid.UUID, page, pageSize int) ([]model.Application, int64, error) {
	return u.apps.ListByProfile(ctx, profileID, page, pageSize)
}

// RequestCancel flags a pending application so dispatch drops it.
// Reports whether the flag landed; running applications are past the
// point of cancellation and return false.
func (u *SubmissionUsecase) RequestCancel(ctx context.Context, appID uuid.UUID) (bool, error) {
	if _, err := u.apps.FindByID(ctx, appID); err != nil {
		return false, err
	}
	return u.apps.RequestCancel(ctx, appID)
}

// EnqueuePolls schedules a poll task for every running application
// outside its webhook SLA. Dedupe keys keep one poll in flight per
// application.
func (u *SubmissionUsecase) EnqueuePolls(ctx context.Context) (int, error) {
	overdue, err := u.apps.FindOverdueRunning(ctx, u.now().Add(-u.pollSLA), u.pollBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue applications: %w", err)
	}

	queued := 0
	for _, app := range overdue {
		fresh, err := u.tasks.Enqueue(ctx, model.TaskPollApplication,
			PollPayload{ApplicationID: app.ID}, pollKey(app.ID), time.Time{})
		if err != nil {
			return queued, fmt.Errorf("enqueue poll: %w", err)
		}
		if fresh {
			queued++
		}
	}
	if queued > 0 {
		u.logger.Info("scheduled status polls for silent applications",
			zap.Int("count", queued))
	}
	return queued, nil
}

// Poll is the worker body behind poll tasks: one status check against
// the collaborator, folded in exactly like a webhook delivery.
func (u *SubmissionUsecase) Poll(ctx context.Context, appID uuid.UUID) error {
	app, err := u.apps.FindByID(ctx, appID)
	if err != nil {
		return fmt.Errorf("load application %s: %w", appID, err)
	}
	if app.Status != model.ApplicationRunning {
		return nil
	}

	var st *service.StatusResult
	err = u.exec.Execute(ctx, service.ServiceAutomation, func(ctx context.Context) error {
		var pollErr error
		st, pollErr = u.client.TaskStatus(ctx, app.TaskRef)
		return pollErr
	})
	if err != nil {
		if fault.IsTransient(err) || errors.Is(err, fault.ErrCircuitOpen) {
			return err
		}
		// terminal check failure: record that we looked and move on; the
		// next poll cycle will pick the application up again
		if terr := u.apps.TouchChecked(ctx, app.ID, u.now().UTC()); terr != nil {
			return fmt.Errorf("touch observation time: %w", terr)
		}
		u.logger.Warn("status poll rejected by collaborator",
			zap.String("application_id", app.ID.String()),
			zap.Error(err))
		return nil
	}

	return u.applyUpdate(ctx, app, st.Status, st.Result, st.Error)
}
