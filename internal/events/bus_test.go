package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	appID := uuid.New()
	bus.Publish(Event{Kind: ApplicationCompleted, ApplicationID: appID})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != ApplicationCompleted {
				t.Errorf("subscriber %d: kind = %s, want %s", i, ev.Kind, ApplicationCompleted)
			}
			if ev.ApplicationID != appID {
				t.Errorf("subscriber %d: wrong application id", i)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %d: At not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())

	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Kind: PostingIngested})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if bus.Dropped() == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch, cancel := bus.Subscribe(4)
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}

	// publishing after cancel must not panic
	bus.Publish(Event{Kind: BreakerOpened, Service: "gemini"})
	cancel() // double cancel is safe
}
