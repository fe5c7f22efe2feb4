package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/resilience"
	"go.uber.org/zap"
)

// stubQueue records enqueues and collapses dedupe keys the way the
// durable queue does.
type stubQueue struct {
	mu      sync.Mutex
	entries []queueEntry
	seen    map[string]bool
	failErr error
}

type queueEntry struct {
	kind      model.TaskKind
	payload   any
	dedupeKey string
}

func newStubQueue() *stubQueue {
	return &stubQueue{seen: make(map[string]bool)}
}

func (q *stubQueue) Enqueue(ctx context.Context, kind model.TaskKind, payload any, dedupeKey string, runAt time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return false, q.failErr
	}
	if q.seen[dedupeKey] {
		return false, nil
	}
	q.seen[dedupeKey] = true
	q.entries = append(q.entries, queueEntry{kind: kind, payload: payload, dedupeKey: dedupeKey})
	return true, nil
}

func (q *stubQueue) byKind(kind model.TaskKind) []queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queueEntry
	for _, e := range q.entries {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (q *stubQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

type nopStateStore struct{}

func (nopStateStore) Save(ctx context.Context, st model.CircuitState) error { return nil }
func (nopStateStore) LoadAll(ctx context.Context) ([]model.CircuitState, error) {
	return nil, nil
}

// fastExecutor builds a resilience executor with delays short enough
// for tests and a breaker threshold high enough to stay out of the way.
func fastExecutor() *resilience.Executor {
	return resilience.NewExecutor(config.ResilienceConfig{
		MaxAttempts:      2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		RequestTimeout:   time.Second,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Minute,
		BreakerMaxCool:   time.Minute,
	}, nopStateStore{}, events.NewBus(zap.NewNop()), zap.NewNop())
}

func testBus() *events.Bus {
	return events.NewBus(zap.NewNop())
}
