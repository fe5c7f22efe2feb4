package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeAppStore mirrors the store semantics the usecase leans on: the
// partial unique pair index and the rank-guarded status advance.
type fakeAppStore struct {
	mu   sync.Mutex
	apps map[uuid.UUID]*model.Application
}

func newFakeAppStore() *fakeAppStore {
	return &fakeAppStore{apps: make(map[uuid.UUID]*model.Application)}
}

func (s *fakeAppStore) Create(ctx context.Context, app *model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.apps {
		if existing.ProfileID == app.ProfileID && existing.JobID == app.JobID &&
			existing.Status != model.ApplicationFailed {
			return fault.ErrIdempotencyConflict
		}
	}
	app.ID = uuid.New()
	copy := *app
	s.apps[app.ID] = &copy
	return nil
}

func (s *fakeAppStore) FindByID(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copy := *app
	return &copy, nil
}

func (s *fakeAppStore) FindByTaskRef(ctx context.Context, taskRef string) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.TaskRef == taskRef {
			copy := *app
			return &copy, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *fakeAppStore) FindActiveByPair(ctx context.Context, profileID, jobID uuid.UUID) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.ProfileID == profileID && app.JobID == jobID && app.Status != model.ApplicationFailed {
			copy := *app
			return &copy, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *fakeAppStore) AdvanceStatus(ctx context.Context, id uuid.UUID, to model.ApplicationStatus, extra map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if app.Status.Rank() >= to.Rank() {
		return false, nil
	}
	app.Status = to
	if v, ok := extra["task_ref"].(string); ok {
		app.TaskRef = v
	}
	if v, ok := extra["error_detail"].(string); ok {
		app.ErrorDetail = v
	}
	if v, ok := extra["result"].(string); ok {
		app.Result = v
	}
	if v, ok := extra["submitted_at"].(time.Time); ok {
		app.SubmittedAt = &v
	}
	if v, ok := extra["last_checked_at"].(time.Time); ok {
		app.LastCheckedAt = &v
	}
	return true, nil
}

func (s *fakeAppStore) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok || app.Status != model.ApplicationPending {
		return false, nil
	}
	app.CancelRequested = true
	return true, nil
}

func (s *fakeAppStore) TouchChecked(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app, ok := s.apps[id]; ok {
		app.LastCheckedAt = &at
	}
	return nil
}

func (s *fakeAppStore) ListByProfile(ctx context.Context, profileID uuid.UUID, page, pageSize int) ([]model.Application, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Application
	for _, app := range s.apps {
		if app.ProfileID == profileID {
			out = append(out, *app)
		}
	}
	return out, int64(len(out)), nil
}

func (s *fakeAppStore) FindOverdueRunning(ctx context.Context, checkedBefore time.Time, limit int) ([]model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Application
	for _, app := range s.apps {
		if app.Status != model.ApplicationRunning {
			continue
		}
		checked := app.LastCheckedAt
		if checked == nil {
			checked = app.SubmittedAt
		}
		if checked != nil && checked.Before(checkedBefore) {
			out = append(out, *app)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeAppStore) get(id uuid.UUID) model.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.apps[id]
}

func (s *fakeAppStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.apps)
}

func (s *fakeAppStore) seed(app *model.Application) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	s.apps[app.ID] = app
	return app.ID
}

type fakeSubmitPostings struct {
	posting *model.JobPosting
	err     error
}

func (f *fakeSubmitPostings) FindByID(ctx context.Context, id uuid.UUID) (*model.JobPosting, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.posting, nil
}

type fakeAutomation struct {
	mu        sync.Mutex
	submitRes *service.SubmitResult
	submitErr error
	statusRes *service.StatusResult
	statusErr error
	submits   []service.SubmitRequest
	statusFor []string
}

func (f *fakeAutomation) SubmitApplication(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitRes, nil
}

func (f *fakeAutomation) TaskStatus(ctx context.Context, taskRef string) (*service.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusFor = append(f.statusFor, taskRef)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusRes, nil
}

func (f *fakeAutomation) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type submissionFixture struct {
	u        *SubmissionUsecase
	apps     *fakeAppStore
	postings *fakeSubmitPostings
	client   *fakeAutomation
	queue    *stubQueue
}

func newSubmissionFixture() *submissionFixture {
	apps := newFakeAppStore()
	postings := &fakeSubmitPostings{posting: &model.JobPosting{ID: uuid.New(), SourceID: "ext-77"}}
	client := &fakeAutomation{submitRes: &service.SubmitResult{TaskRef: "task-1"}}
	queue := newStubQueue()
	u := NewSubmissionUsecase(apps, postings, client, queue, fastExecutor(), testBus(), zap.NewNop(), 15*time.Minute, 100)
	return &submissionFixture{u: u, apps: apps, postings: postings, client: client, queue: queue}
}

func TestSubmitCreatesPendingAndQueuesDispatch(t *testing.T) {
	fx := newSubmissionFixture()
	profileID, jobID := uuid.New(), uuid.New()

	app, err := fx.u.Submit(context.Background(), profileID, jobID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if app.Status != model.ApplicationPending {
		t.Errorf("status = %q, want %q", app.Status, model.ApplicationPending)
	}
	if app.IdempotencyKey != model.IdempotencyKey(profileID, jobID) {
		t.Error("idempotency key not derived from the pair")
	}
	dispatches := fx.queue.byKind(model.TaskDispatchApplication)
	if len(dispatches) != 1 {
		t.Fatalf("queued %d dispatch tasks, want 1", len(dispatches))
	}
	if dispatches[0].payload.(DispatchPayload).ApplicationID != app.ID {
		t.Error("dispatch payload does not carry the application id")
	}
}

func TestSubmitConcurrentPairCollapses(t *testing.T) {
	fx := newSubmissionFixture()
	profileID, jobID := uuid.New(), uuid.New()

	const callers = 8
	results := make([]*model.Application, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.u.Submit(context.Background(), profileID, jobID)
		}(i)
	}
	wg.Wait()

	if fx.apps.count() != 1 {
		t.Fatalf("%d applications exist for one pair, want exactly 1", fx.apps.count())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d got error %v, duplicates must read as success", i, errs[i])
		}
		if results[i].ID != results[0].ID {
			t.Errorf("caller %d got a different application", i)
		}
	}
	if got := len(fx.queue.byKind(model.TaskDispatchApplication)); got != 1 {
		t.Errorf("queued %d dispatch tasks, want 1", got)
	}
}

func TestSubmitAgainAfterFailure(t *testing.T) {
	fx := newSubmissionFixture()
	profileID, jobID := uuid.New(), uuid.New()

	first, err := fx.u.Submit(context.Background(), profileID, jobID)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := fx.apps.AdvanceStatus(context.Background(), first.ID, model.ApplicationFailed, nil); err != nil {
		t.Fatalf("seed failure: %v", err)
	}

	second, err := fx.u.Submit(context.Background(), profileID, jobID)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.ID == first.ID {
		t.Error("a failed application must not block a fresh attempt")
	}
	if fx.apps.count() != 2 {
		t.Errorf("%d applications, want the failed one plus the new one", fx.apps.count())
	}
}

func TestDispatchHappyPath(t *testing.T) {
	fx := newSubmissionFixture()
	app, _ := fx.u.Submit(context.Background(), uuid.New(), uuid.New())

	if err := fx.u.Dispatch(context.Background(), app.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := fx.apps.get(app.ID)
	if got.Status != model.ApplicationRunning {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationRunning)
	}
	if got.TaskRef != "task-1" {
		t.Errorf("task_ref = %q, want task-1", got.TaskRef)
	}
	if got.SubmittedAt == nil {
		t.Error("submitted_at not recorded")
	}
	if len(fx.client.submits) != 1 {
		t.Fatalf("collaborator called %d times, want 1", len(fx.client.submits))
	}
	req := fx.client.submits[0]
	if req.JobSourceID != "ext-77" {
		t.Errorf("job source id = %q, want the posting's source id", req.JobSourceID)
	}
	if req.IdempotencyKey != app.IdempotencyKey {
		t.Error("idempotency key not forwarded to the collaborator")
	}
}

func TestDispatchCancelledBeforeDispatch(t *testing.T) {
	fx := newSubmissionFixture()
	app, _ := fx.u.Submit(context.Background(), uuid.New(), uuid.New())
	if ok, _ := fx.u.RequestCancel(context.Background(), app.ID); !ok {
		t.Fatal("cancel flag did not land on a pending application")
	}

	if err := fx.u.Dispatch(context.Background(), app.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := fx.apps.get(app.ID)
	if got.Status != model.ApplicationFailed {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationFailed)
	}
	if !strings.Contains(got.ErrorDetail, "cancelled") {
		t.Errorf("error detail %q does not mention cancellation", got.ErrorDetail)
	}
	if fx.client.submitCount() != 0 {
		t.Error("collaborator must not be called for a cancelled application")
	}
}

func TestDispatchTransientLeavesPending(t *testing.T) {
	fx := newSubmissionFixture()
	fx.client.submitErr = fault.Transient("automation", errors.New("gateway 502"))
	app, _ := fx.u.Submit(context.Background(), uuid.New(), uuid.New())

	err := fx.u.Dispatch(context.Background(), app.ID)
	if err == nil {
		t.Fatal("transient failure must surface so the queue retries")
	}
	got := fx.apps.get(app.ID)
	if got.Status != model.ApplicationPending {
		t.Errorf("status = %q, want still %q", got.Status, model.ApplicationPending)
	}
	// the executor retried before giving up
	if fx.client.submitCount() != 2 {
		t.Errorf("collaborator called %d times, want 2", fx.client.submitCount())
	}
}

func TestDispatchTerminalFailsApplication(t *testing.T) {
	fx := newSubmissionFixture()
	fx.client.submitErr = fault.Terminal("automation", errors.New("job closed"))
	app, _ := fx.u.Submit(context.Background(), uuid.New(), uuid.New())

	if err := fx.u.Dispatch(context.Background(), app.ID); err != nil {
		t.Fatalf("terminal rejection should settle the task, got %v", err)
	}
	got := fx.apps.get(app.ID)
	if got.Status != model.ApplicationFailed {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationFailed)
	}
	if !strings.Contains(got.ErrorDetail, "job closed") {
		t.Errorf("error detail %q lost the rejection cause", got.ErrorDetail)
	}
	if fx.client.submitCount() != 1 {
		t.Errorf("collaborator called %d times, want 1 (no retry on terminal)", fx.client.submitCount())
	}
}

func TestDispatchSkipsNonPending(t *testing.T) {
	fx := newSubmissionFixture()
	id := fx.apps.seed(&model.Application{Status: model.ApplicationCompleted})

	if err := fx.u.Dispatch(context.Background(), id); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if fx.client.submitCount() != 0 {
		t.Error("collaborator called for a settled application")
	}
}

func TestApplyStatusUpdateCompletes(t *testing.T) {
	fx := newSubmissionFixture()
	id := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-9"})

	err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "completed", `{"confirmation":"ok"}`, "")
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	got := fx.apps.get(id)
	if got.Status != model.ApplicationCompleted {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationCompleted)
	}
	if got.Result != `{"confirmation":"ok"}` {
		t.Errorf("result = %q, payload not stored", got.Result)
	}
	if got.LastCheckedAt == nil {
		t.Error("observation time not recorded")
	}
}

func TestApplyStatusUpdateNeverDowngrades(t *testing.T) {
	fx := newSubmissionFixture()
	id := fx.apps.seed(&model.Application{Status: model.ApplicationCompleted, TaskRef: "task-9", Result: `{"final":true}`})

	// a replayed earlier webhook arrives after completion
	if err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "in_progress", "", ""); err != nil {
		t.Fatalf("stale update must be a quiet no-op, got %v", err)
	}
	got := fx.apps.get(id)
	if got.Status != model.ApplicationCompleted {
		t.Errorf("status downgraded to %q", got.Status)
	}
	if got.Result != `{"final":true}` {
		t.Error("stale update clobbered the stored result")
	}
	if got.LastCheckedAt == nil {
		t.Error("stale update should still refresh the observation time")
	}

	// failed never replaces completed either; terminal states share rank
	if err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "failed", "", "late failure"); err != nil {
		t.Fatalf("late terminal update: %v", err)
	}
	if got := fx.apps.get(id); got.Status != model.ApplicationCompleted {
		t.Errorf("terminal status replaced by a later terminal, now %q", got.Status)
	}
}

func TestApplyStatusUpdateUnknownRef(t *testing.T) {
	fx := newSubmissionFixture()
	err := fx.u.ApplyStatusUpdate(context.Background(), "ghost", "completed", "", "")
	if !errors.Is(err, ErrUnknownTaskRef) {
		t.Fatalf("err = %v, want ErrUnknownTaskRef", err)
	}
}

func TestApplyStatusUpdateUnknownStatus(t *testing.T) {
	fx := newSubmissionFixture()
	fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-9"})

	err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "exploded", "", "")
	if !fault.IsIntegrity(err) {
		t.Fatalf("err = %v, want an integrity fault for an unknown status", err)
	}
}

func TestApplyStatusUpdateRequiresAttention(t *testing.T) {
	fx := newSubmissionFixture()
	id := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-9"})

	if err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "action_required", "", "captcha"); err != nil {
		t.Fatalf("apply update: %v", err)
	}
	got := fx.apps.get(id)
	if got.Status != model.ApplicationRequiresAttention {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationRequiresAttention)
	}

	// attention is not terminal: completion can still land afterwards
	if err := fx.u.ApplyStatusUpdate(context.Background(), "task-9", "completed", "", ""); err != nil {
		t.Fatalf("completion after attention: %v", err)
	}
	if got := fx.apps.get(id); got.Status != model.ApplicationCompleted {
		t.Errorf("status = %q, attention blocked completion", got.Status)
	}
}

func TestRequestCancelOnlyPending(t *testing.T) {
	fx := newSubmissionFixture()
	pending := fx.apps.seed(&model.Application{Status: model.ApplicationPending})
	running := fx.apps.seed(&model.Application{Status: model.ApplicationRunning})

	if ok, err := fx.u.RequestCancel(context.Background(), pending); err != nil || !ok {
		t.Errorf("pending cancel = (%v, %v), want (true, nil)", ok, err)
	}
	if ok, err := fx.u.RequestCancel(context.Background(), running); err != nil || ok {
		t.Errorf("running cancel = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEnqueuePollsForSilentApplications(t *testing.T) {
	fx := newSubmissionFixture()
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	overdue := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "t1", LastCheckedAt: &old})
	fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "t2", LastCheckedAt: &fresh})
	fx.apps.seed(&model.Application{Status: model.ApplicationCompleted, TaskRef: "t3", LastCheckedAt: &old})

	queued, err := fx.u.EnqueuePolls(context.Background())
	if err != nil {
		t.Fatalf("enqueue polls: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued %d polls, want 1", queued)
	}
	polls := fx.queue.byKind(model.TaskPollApplication)
	if len(polls) != 1 || polls[0].payload.(PollPayload).ApplicationID != overdue {
		t.Error("poll task does not target the overdue application")
	}

	// a second scan collapses onto the still-queued task
	queued, err = fx.u.EnqueuePolls(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if queued != 0 {
		t.Errorf("second scan queued %d polls, want 0", queued)
	}
}

func TestPollAppliesObservation(t *testing.T) {
	fx := newSubmissionFixture()
	fx.client.statusRes = &service.StatusResult{Status: "completed", Result: `{"done":true}`}
	id := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-4"})

	if err := fx.u.Poll(context.Background(), id); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := fx.apps.get(id)
	if got.Status != model.ApplicationCompleted {
		t.Errorf("status = %q, want %q", got.Status, model.ApplicationCompleted)
	}
	if len(fx.client.statusFor) != 1 || fx.client.statusFor[0] != "task-4" {
		t.Error("collaborator polled with the wrong task ref")
	}
}

func TestPollTerminalCheckOnlyTouches(t *testing.T) {
	fx := newSubmissionFixture()
	fx.client.statusErr = fault.Terminal("automation", errors.New("task purged"))
	id := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-4"})

	if err := fx.u.Poll(context.Background(), id); err != nil {
		t.Fatalf("terminal check failure should settle the task, got %v", err)
	}
	got := fx.apps.get(id)
	if got.Status != model.ApplicationRunning {
		t.Errorf("status = %q, a failed check must not move the application", got.Status)
	}
	if got.LastCheckedAt == nil {
		t.Error("failed check should still record the attempt")
	}
}

func TestPollTransientBubblesUp(t *testing.T) {
	fx := newSubmissionFixture()
	fx.client.statusErr = fault.Transient("automation", errors.New("timeout"))
	id := fx.apps.seed(&model.Application{Status: model.ApplicationRunning, TaskRef: "task-4"})

	if err := fx.u.Poll(context.Background(), id); err == nil {
		t.Fatal("transient poll failure must surface so the queue retries")
	}
	if got := fx.apps.get(id); got.Status != model.ApplicationRunning {
		t.Errorf("status = %q, want still running", got.Status)
	}
}

func TestPollSkipsSettledApplication(t *testing.T) {
	fx := newSubmissionFixture()
	id := fx.apps.seed(&model.Application{Status: model.ApplicationCompleted, TaskRef: "task-4"})

	if err := fx.u.Poll(context.Background(), id); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fx.client.statusFor) != 0 {
		t.Error("collaborator polled for a settled application")
	}
}
