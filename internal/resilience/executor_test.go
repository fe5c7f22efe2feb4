package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"go.uber.org/zap"
)

type memStateStore struct {
	mu     sync.Mutex
	states map[string]model.CircuitState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]model.CircuitState)}
}

func (s *memStateStore) Save(_ context.Context, st model.CircuitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Service] = st
	return nil
}

func (s *memStateStore) LoadAll(_ context.Context) ([]model.CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CircuitState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	return out, nil
}

func testCfg() config.ResilienceConfig {
	return config.ResilienceConfig{
		MaxAttempts:      4,
		BaseDelay:        time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		RequestTimeout:   time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		BreakerMaxCool:   10 * time.Minute,
	}
}

func newTestExecutor(cfg config.ResilienceConfig, store StateStore) (*Executor, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	e := NewExecutor(cfg, store, nil, zap.NewNop())
	e.now = clock.now
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return e, clock
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	e, _ := newTestExecutor(testCfg(), nil)

	calls := 0
	err := e.Execute(context.Background(), "feed", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fault.Transient("feed", errors.New("503"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("op called %d times, want 3", calls)
	}
}

func TestExecuteTerminalNoRetry(t *testing.T) {
	e, _ := newTestExecutor(testCfg(), nil)

	calls := 0
	err := e.Execute(context.Background(), "automation", func(ctx context.Context) error {
		calls++
		return fault.Terminal("automation", errors.New("unknown profile"))
	})
	if !fault.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("terminal error retried: %d calls", calls)
	}

	// a definitive rejection is not a health failure: the next call runs
	calls = 0
	_ = e.Execute(context.Background(), "automation", func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Fatal("breaker tripped by terminal errors")
	}
}

func TestExecuteModerationNoRetry(t *testing.T) {
	e, _ := newTestExecutor(testCfg(), nil)

	calls := 0
	err := e.Execute(context.Background(), "gemini", func(ctx context.Context) error {
		calls++
		return fault.Terminal("gemini", fault.ErrModerationRejected)
	})
	if !errors.Is(err, fault.ErrModerationRejected) {
		t.Fatalf("moderation sentinel lost: %v", err)
	}
	if calls != 1 {
		t.Fatalf("moderation rejection retried: %d calls", calls)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	cfg := testCfg()
	cfg.BreakerThreshold = 100 // keep the circuit out of this test
	e, _ := newTestExecutor(cfg, nil)

	calls := 0
	err := e.Execute(context.Background(), "feed", func(ctx context.Context) error {
		calls++
		return fault.Transient("feed", errors.New("timeout"))
	})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !fault.IsTransient(err) {
		t.Fatalf("exhaustion should surface the transient cause, got %v", err)
	}
	if calls != cfg.MaxAttempts {
		t.Fatalf("op called %d times, want %d", calls, cfg.MaxAttempts)
	}
}

func TestExecuteFailsFastWhileOpen(t *testing.T) {
	cfg := testCfg()
	cfg.MaxAttempts = 1
	e, clock := newTestExecutor(cfg, nil)

	boom := func(ctx context.Context) error {
		return fault.Transient("feed", errors.New("down"))
	}
	for i := 0; i < cfg.BreakerThreshold; i++ {
		_ = e.Execute(context.Background(), "feed", boom)
	}

	calls := 0
	err := e.Execute(context.Background(), "feed", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, fault.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 0 {
		t.Fatal("op invoked while circuit open")
	}

	// after the cooldown a single trial closes it again
	clock.advance(31 * time.Second)
	err = e.Execute(context.Background(), "feed", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("half-open trial failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("trial ran %d times, want 1", calls)
	}
}

func TestExecuteCircuitCutsRetryLoop(t *testing.T) {
	cfg := testCfg()
	cfg.MaxAttempts = 10
	e, _ := newTestExecutor(cfg, nil)

	calls := 0
	err := e.Execute(context.Background(), "feed", func(ctx context.Context) error {
		calls++
		return fault.Transient("feed", errors.New("down"))
	})
	if !errors.Is(err, fault.ErrCircuitOpen) {
		t.Fatalf("expected the opening circuit to cut the loop, got %v", err)
	}
	if calls != cfg.BreakerThreshold {
		t.Fatalf("op called %d times, want %d (circuit opens at threshold)", calls, cfg.BreakerThreshold)
	}
}

func TestExecuteParentCancel(t *testing.T) {
	e, _ := newTestExecutor(testCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := e.Execute(ctx, "feed", func(attemptCtx context.Context) error {
		calls++
		<-attemptCtx.Done()
		return fault.Transient("feed", attemptCtx.Err())
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times after caller cancel, want 1", calls)
	}
}

func TestExecutePersistsTransitions(t *testing.T) {
	cfg := testCfg()
	cfg.MaxAttempts = 1
	store := newMemStateStore()
	e, _ := newTestExecutor(cfg, store)

	for i := 0; i < cfg.BreakerThreshold; i++ {
		_ = e.Execute(context.Background(), "gemini", func(ctx context.Context) error {
			return fault.Transient("gemini", errors.New("500"))
		})
	}

	store.mu.Lock()
	st, ok := store.states["gemini"]
	store.mu.Unlock()
	if !ok {
		t.Fatal("open transition not persisted")
	}
	if st.State != string(StateOpen) {
		t.Fatalf("persisted state = %s, want open", st.State)
	}
	if st.OpenedUntil == nil {
		t.Fatal("persisted snapshot missing opened_until")
	}
}

func TestExecutorRestore(t *testing.T) {
	store := newMemStateStore()
	until := time.Now().Add(time.Hour)
	_ = store.Save(context.Background(), model.CircuitState{
		Service:     "gemini",
		State:       string(StateOpen),
		OpenedUntil: &until,
	})

	e, _ := newTestExecutor(testCfg(), store)
	if err := e.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	calls := 0
	err := e.Execute(context.Background(), "gemini", func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, fault.ErrCircuitOpen) {
		t.Fatalf("restored open circuit should fail fast, got %v", err)
	}
	if calls != 0 {
		t.Fatal("op invoked through a restored open circuit")
	}
}
