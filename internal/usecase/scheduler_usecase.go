package usecase

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/model"
	"go.uber.org/zap"
)

const sweepLockKey = "sweep:lock"

type schedulerAppStore interface {
	CountActive(ctx context.Context) (int64, error)
	ActiveJobIDs(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error)
}

type schedulerProfileStore interface {
	ListAutoApply(ctx context.Context) ([]model.Profile, error)
	FindEmbedded(ctx context.Context, id uuid.UUID) (*model.Profile, error)
}

type schedulerPostingStore interface {
	IDsBySourceIDs(ctx context.Context, sourceIDs []string) ([]uuid.UUID, error)
	FindPendingEmbeds(ctx context.Context, limit int) ([]model.JobPosting, error)
	MarkStale(ctx context.Context, lastSeenBefore time.Time) (int64, error)
}

type dismissalStore interface {
	ListSourceIDs(ctx context.Context, profileID uuid.UUID) ([]string, error)
}

type sweepLock interface {
	SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) bool
}

type candidateFinder interface {
	FindCandidates(ctx context.Context, profileID uuid.UUID, threshold float64, excludeIDs []uuid.UUID) ([]model.MatchResult, error)
}

type applicationSubmitter interface {
	Submit(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error)
}

// SchedulerUsecase drives the periodic work: the auto-apply sweep with
// its back-pressure gate, the embed backlog, and posting retention. One
// instance per process; the redis lock keeps sweeps single-flight
// across nodes.
type SchedulerUsecase struct {
	cfg           config.SchedulerConfig
	apps          schedulerAppStore
	profiles      schedulerProfileStore
	postings      schedulerPostingStore
	dismissals    dismissalStore
	locks         sweepLock
	matcher       candidateFinder
	submitter     applicationSubmitter
	tasks         taskQueue
	bus           *events.Bus
	logger        *zap.Logger
	backpressured atomic.Bool
	now           func() time.Time
}

func NewSchedulerUsecase(cfg config.SchedulerConfig, apps schedulerAppStore, profiles schedulerProfileStore, postings schedulerPostingStore, dismissals dismissalStore, locks sweepLock, matcher candidateFinder, submitter applicationSubmitter, tasks taskQueue, bus *events.Bus, logger *zap.Logger) *SchedulerUsecase {
	return &SchedulerUsecase{
		cfg:        cfg,
		apps:       apps,
		profiles:   profiles,
		postings:   postings,
		dismissals: dismissals,
		locks:      locks,
		matcher:    matcher,
		submitter:  submitter,
		tasks:      tasks,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep fans one sweep task out per auto-apply profile. It refuses to
// enqueue anything while the active-application count sits at or above
// the ceiling, and raises a single alert on each engage edge rather
// than once per tick.
func (u *SchedulerUsecase) Sweep(ctx context.Context) error {
	if !u.locks.SetIfNotExists(ctx, sweepLockKey, u.now().UTC().Format(time.RFC3339), u.cfg.SweepInterval) {
		u.logger.Debug("sweep already running elsewhere, skipping")
		return nil
	}

	active, err := u.apps.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("count active applications: %w", err)
	}
	if active >= int64(u.cfg.BackpressureCeiling) {
		if u.backpressured.CompareAndSwap(false, true) {
			u.bus.Publish(events.Event{
				Kind:   events.BackpressureEngaged,
				Detail: fmt.Sprintf("%d active applications at ceiling %d", active, u.cfg.BackpressureCeiling),
			})
			u.logger.Error("back-pressure engaged, sweeps paused",
				zap.Int64("active", active),
				zap.Int("ceiling", u.cfg.BackpressureCeiling))
		}
		return nil
	}
	if u.backpressured.CompareAndSwap(true, false) {
		u.bus.Publish(events.Event{Kind: events.BackpressureReleased})
		u.logger.Info("back-pressure released, sweeps resumed",
			zap.Int64("active", active))
	}

	profiles, err := u.profiles.ListAutoApply(ctx)
	if err != nil {
		return fmt.Errorf("list auto-apply profiles: %w", err)
	}

	queued := 0
	for _, p := range profiles {
		fresh, err := u.tasks.Enqueue(ctx, model.TaskSweepProfile,
			SweepPayload{ProfileID: p.ID}, sweepKey(p.ID), time.Time{})
		if err != nil {
			return fmt.Errorf("enqueue profile sweep: %w", err)
		}
		if fresh {
			queued++
		}
	}
	u.logger.Info("sweep scheduled",
		zap.Int("profiles", len(profiles)),
		zap.Int("queued", queued),
		zap.Int64("active", active))
	return nil
}

// SweepProfile is the worker body behind sweep tasks: match one profile
// against the posting corpus and submit everything above its threshold,
// re-checking the ceiling between submissions.
func (u *SchedulerUsecase) SweepProfile(ctx context.Context, profileID uuid.UUID) error {
	profile, err := u.profiles.FindEmbedded(ctx, profileID)
	if err != nil {
		u.logger.Warn("profile not sweepable",
			zap.String("profile_id", profileID.String()),
			zap.Error(err))
		return nil
	}
	threshold := profile.MatchThreshold
	if threshold <= 0 {
		threshold = u.cfg.DefaultThreshold
	}

	exclude, err := u.exclusions(ctx, profileID)
	if err != nil {
		return err
	}

	candidates, err := u.matcher.FindCandidates(ctx, profileID, threshold, exclude)
	if err != nil {
		return fmt.Errorf("find candidates: %w", err)
	}

	submitted := 0
	for _, c := range candidates {
		active, err := u.apps.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("count active applications: %w", err)
		}
		if active >= int64(u.cfg.BackpressureCeiling) {
			u.logger.Warn("ceiling reached mid-sweep, stopping profile",
				zap.String("profile_id", profileID.String()),
				zap.Int("submitted", submitted))
			break
		}
		if _, err := u.submitter.Submit(ctx, profileID, c.JobID); err != nil {
			u.logger.Error("auto-apply submit failed",
				zap.String("profile_id", profileID.String()),
				zap.String("job_id", c.JobID.String()),
				zap.Error(err))
			continue
		}
		submitted++
	}
	u.logger.Info("profile sweep finished",
		zap.String("profile_id", profileID.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("submitted", submitted),
		zap.Float64("threshold", threshold))
	return nil
}

// exclusions merges everything a sweep must never re-surface for the
// profile: postings it already applied to and postings it dismissed.
func (u *SchedulerUsecase) exclusions(ctx context.Context, profileID uuid.UUID) ([]uuid.UUID, error) {
	applied, err := u.apps.ActiveJobIDs(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list applied postings: %w", err)
	}

	dismissedSrc, err := u.dismissals.ListSourceIDs(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("list dismissals: %w", err)
	}
	var dismissed []uuid.UUID
	if len(dismissedSrc) > 0 {
		dismissed, err = u.postings.IDsBySourceIDs(ctx, dismissedSrc)
		if err != nil {
			return nil, fmt.Errorf("resolve dismissed postings: %w", err)
		}
	}

	seen := make(map[uuid.UUID]struct{}, len(applied)+len(dismissed))
	merged := make([]uuid.UUID, 0, len(applied)+len(dismissed))
	for _, id := range append(applied, dismissed...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged, nil
}

// EnqueueEmbedBacklog re-queues embedding work for postings still
// pending, catching anything whose original task was lost.
func (u *SchedulerUsecase) EnqueueEmbedBacklog(ctx context.Context) (int, error) {
	pending, err := u.postings.FindPendingEmbeds(ctx, u.cfg.EmbedBacklog)
	if err != nil {
		return 0, fmt.Errorf("list pending embeds: %w", err)
	}

	queued := 0
	for _, p := range pending {
		fresh, err := u.tasks.Enqueue(ctx, model.TaskEmbedPosting,
			EmbedPayload{PostingID: p.ID}, embedKey(p.ID), time.Time{})
		if err != nil {
			return queued, fmt.Errorf("enqueue embed: %w", err)
		}
		if fresh {
			queued++
		}
	}
	if queued > 0 {
		u.logger.Info("embed backlog re-queued", zap.Int("count", queued))
	}
	return queued, nil
}

// RetentionSweep marks postings unseen for the retention window as
// stale so matching stops surfacing them. Rows stay for audit.
func (u *SchedulerUsecase) RetentionSweep(ctx context.Context) (int64, error) {
	n, err := u.postings.MarkStale(ctx, u.now().Add(-u.cfg.RetentionWindow))
	if err != nil {
		return 0, fmt.Errorf("mark stale postings: %w", err)
	}
	if n > 0 {
		u.logger.Info("stale postings retired", zap.Int64("count", n))
	}
	return n, nil
}
