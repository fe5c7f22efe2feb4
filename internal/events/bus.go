// Package events carries domain signals between the engine and
// collaborators in-process. Publishing never blocks: a subscriber that
// cannot keep up loses events rather than stalling a pipeline.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	PostingIngested      Kind = "posting_ingested"
	PostingEmbedded      Kind = "posting_embedded"
	PostingRejected      Kind = "posting_rejected"
	ApplicationQueued    Kind = "application_queued"
	ApplicationSubmitted Kind = "application_submitted"
	ApplicationCompleted Kind = "application_completed"
	ApplicationFailed    Kind = "application_failed"
	ApplicationAttention Kind = "application_attention"
	BackpressureEngaged  Kind = "backpressure_engaged"
	BackpressureReleased Kind = "backpressure_released"
	BreakerOpened        Kind = "breaker_opened"
	BreakerClosed        Kind = "breaker_closed"
)

type Event struct {
	Kind          Kind      `json:"kind"`
	ApplicationID uuid.UUID `json:"application_id,omitempty"`
	ProfileID     uuid.UUID `json:"profile_id,omitempty"`
	JobID         uuid.UUID `json:"job_id,omitempty"`
	Service       string    `json:"service,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
	logger  *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			n := b.dropped.Add(1)
			b.logger.Warn("event dropped, slow subscriber",
				zap.String("kind", string(ev.Kind)),
				zap.Int64("total_dropped", n))
		}
	}
}

// Subscribe registers a buffered receiver. The returned cancel func
// unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// LogLoop subscribes and writes every event to the log until ctx ends.
// This is the built-in consumer; notification services attach their own.
func (b *Bus) LogLoop(ctx context.Context) {
	ch, cancel := b.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.logger.Info("domain event",
				zap.String("kind", string(ev.Kind)),
				zap.String("application_id", idOrEmpty(ev.ApplicationID)),
				zap.String("profile_id", idOrEmpty(ev.ProfileID)),
				zap.String("service", ev.Service),
				zap.String("detail", ev.Detail))
		}
	}
}

func idOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
