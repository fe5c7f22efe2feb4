package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/fault"
	"github.com/jobraker/engine/internal/model"
	"go.uber.org/zap"
)

// StateStore persists breaker snapshots across restarts.
type StateStore interface {
	Save(ctx context.Context, st model.CircuitState) error
	LoadAll(ctx context.Context) ([]model.CircuitState, error)
}

// Executor is the single choke point for outbound calls. It runs the
// operation under a per-service circuit breaker with bounded retries,
// exponential backoff plus jitter, and a per-attempt timeout.
//
// Retry policy by error class: transient failures retry, terminal
// failures and moderation rejections return immediately, and only
// transient failures count toward opening the circuit. A service that
// answers with a definitive rejection is reachable and healthy.
type Executor struct {
	cfg    config.ResilienceConfig
	store  StateStore
	bus    *events.Bus
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg config.ResilienceConfig, store StateStore, bus *events.Bus, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		logger:   logger,
		breakers: make(map[string]*Breaker),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Restore loads the durable breaker snapshots, so an open circuit
// survives a restart instead of hammering an unhealthy dependency.
func (e *Executor) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	states, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore breaker states: %w", err)
	}
	for _, st := range states {
		br := e.breaker(st.Service)
		var until time.Time
		if st.OpenedUntil != nil {
			until = *st.OpenedUntil
		}
		br.restore(State(st.State), st.Failures, until)
		e.logger.Info("breaker state restored",
			zap.String("service", st.Service),
			zap.String("state", st.State))
	}
	return nil
}

// Execute runs op through the named service's breaker. op receives a
// context bounded by the per-attempt timeout and must return errors
// already mapped to the fault taxonomy.
func (e *Executor) Execute(ctx context.Context, service string, op func(context.Context) error) error {
	br := e.breaker(service)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return err
			}
		}

		if err := br.Allow(); err != nil {
			if lastErr != nil {
				e.logger.Warn("circuit rejected retry",
					zap.String("service", service),
					zap.Int("attempt", attempt),
					zap.Error(lastErr))
			}
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			br.Success()
			return nil
		}

		if ctx.Err() != nil {
			// caller gave up; not a verdict on the service
			return fmt.Errorf("%s: %w", service, ctx.Err())
		}

		if errors.Is(err, fault.ErrModerationRejected) || fault.IsTerminal(err) {
			br.Success()
			return err
		}

		if !fault.IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			// unclassified: count it against the service but do not retry
			br.Failure()
			return fmt.Errorf("%s: %w", service, err)
		}

		br.Failure()
		lastErr = err
		e.logger.Warn("transient failure",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.cfg.MaxAttempts),
			zap.Error(err))
	}

	return fmt.Errorf("%s: retries exhausted: %w", service, lastErr)
}

// Snapshot lists every breaker's current state, sorted by service.
func (e *Executor) Snapshot() []model.CircuitState {
	e.mu.Lock()
	brs := make([]*Breaker, 0, len(e.breakers))
	for _, br := range e.breakers {
		brs = append(brs, br)
	}
	e.mu.Unlock()

	out := make([]model.CircuitState, 0, len(brs))
	for _, br := range brs {
		out = append(out, toModel(br.Snapshot(), e.now()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (e *Executor) breaker(service string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if br, ok := e.breakers[service]; ok {
		return br
	}
	br := newBreaker(service,
		e.cfg.BreakerThreshold,
		e.cfg.BreakerCooldown,
		e.cfg.BreakerMaxCool,
		e.now,
		e.onChange)
	e.breakers[service] = br
	return br
}

func (e *Executor) onChange(ch Change) {
	e.logger.Info("breaker transition",
		zap.String("service", ch.Service),
		zap.String("state", string(ch.State)),
		zap.Int("failures", ch.Failures))

	if e.bus != nil {
		switch ch.State {
		case StateOpen:
			e.bus.Publish(events.Event{
				Kind:    events.BreakerOpened,
				Service: ch.Service,
				Detail:  fmt.Sprintf("open until %s", ch.OpenedUntil.Format(time.RFC3339)),
			})
		case StateClosed:
			e.bus.Publish(events.Event{Kind: events.BreakerClosed, Service: ch.Service})
		}
	}

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Save(ctx, toModel(ch, e.now())); err != nil {
			e.logger.Error("persist breaker state",
				zap.String("service", ch.Service),
				zap.Error(err))
		}
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt-2)))
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay - jitter/2 + time.Duration(rand.Float64()*float64(jitter))

	return delay
}

func toModel(ch Change, at time.Time) model.CircuitState {
	st := model.CircuitState{
		Service:   ch.Service,
		State:     string(ch.State),
		Failures:  ch.Failures,
		ChangedAt: at,
	}
	if !ch.OpenedUntil.IsZero() {
		until := ch.OpenedUntil
		st.OpenedUntil = &until
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
