package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/jobraker/engine/internal/fault"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Change describes one breaker transition, delivered to the executor
// for persistence, logging and events.
type Change struct {
	Service     string
	State       State
	Failures    int
	OpenedUntil time.Time
}

// Breaker guards one external service. In-memory state is authoritative
// for this process; every transition is reported through onChange so a
// durable snapshot can be written.
type Breaker struct {
	service     string
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration

	mu           sync.Mutex
	state        State
	failures     int
	openedUntil  time.Time
	reopenStreak int
	trialBusy    bool

	now      func() time.Time
	onChange func(Change)
}

func newBreaker(service string, threshold int, cooldown, maxCooldown time.Duration, now func() time.Time, onChange func(Change)) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		service:     service,
		threshold:   threshold,
		cooldown:    cooldown,
		maxCooldown: maxCooldown,
		state:       StateClosed,
		now:         now,
		onChange:    onChange,
	}
}

// Allow reports whether a call may proceed. While open it fails fast;
// once the cooldown has elapsed it admits exactly one half-open trial
// and rejects everything else until that trial settles.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Before(b.openedUntil) {
			b.mu.Unlock()
			return fmt.Errorf("%s: %w", b.service, fault.ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.trialBusy = true
		ch := b.changeLocked()
		b.mu.Unlock()
		b.notify(ch)
		return nil

	case StateHalfOpen:
		if b.trialBusy {
			b.mu.Unlock()
			return fmt.Errorf("%s: half-open trial in flight: %w", b.service, fault.ErrCircuitOpen)
		}
		b.trialBusy = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Success records a healthy response. A successful half-open trial
// closes the circuit and resets the reopen streak.
func (b *Breaker) Success() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failures = 0
		b.mu.Unlock()
		return

	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.reopenStreak = 0
		b.trialBusy = false
		b.openedUntil = time.Time{}
		ch := b.changeLocked()
		b.mu.Unlock()
		b.notify(ch)
		return
	}

	// late result from a call that started before the circuit opened
	b.mu.Unlock()
}

// Failure records an unhealthy response. Reaching the threshold opens
// the circuit; a failed half-open trial reopens it with a doubled
// cooldown, capped at maxCooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures < b.threshold {
			b.mu.Unlock()
			return
		}
		b.openLocked()
		ch := b.changeLocked()
		b.mu.Unlock()
		b.notify(ch)
		return

	case StateHalfOpen:
		b.trialBusy = false
		b.openLocked()
		ch := b.changeLocked()
		b.mu.Unlock()
		b.notify(ch)
		return
	}

	b.mu.Unlock()
}

func (b *Breaker) openLocked() {
	cool := b.cooldown
	for i := 0; i < b.reopenStreak; i++ {
		cool *= 2
		if cool >= b.maxCooldown {
			cool = b.maxCooldown
			break
		}
	}
	b.state = StateOpen
	b.openedUntil = b.now().Add(cool)
	b.reopenStreak++
}

// Snapshot returns the current state for the ops surface.
func (b *Breaker) Snapshot() Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changeLocked()
}

// restore seeds the breaker from a durable snapshot at startup.
func (b *Breaker) restore(state State, failures int, openedUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case StateOpen:
		b.state = StateOpen
		b.openedUntil = openedUntil
		b.reopenStreak = 1
	case StateHalfOpen:
		// a restart loses the in-flight trial; treat as open and let the
		// next Allow run a fresh one
		b.state = StateOpen
		b.openedUntil = openedUntil
		b.reopenStreak = 1
	default:
		b.state = StateClosed
		b.failures = failures
	}
}

func (b *Breaker) changeLocked() Change {
	return Change{
		Service:     b.service,
		State:       b.state,
		Failures:    b.failures,
		OpenedUntil: b.openedUntil,
	}
}

func (b *Breaker) notify(ch Change) {
	if b.onChange != nil {
		b.onChange(ch)
	}
}
