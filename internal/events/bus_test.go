package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/storyloom/storyloom/pkg/models"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishFansOut(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(models.Event{Kind: models.EventStageStarted, ProjectID: "p1"})

	for i, ch := range []<-chan models.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != models.EventStageStarted || ev.ProjectID != "p1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(models.Event{Kind: models.EventJobCompleted})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	// Nobody reads; fill the buffer and then some.
	for i := 0; i < DefaultBufferSize+5; i++ {
		b.Publish(models.Event{Kind: models.EventUnitCompleted, Unit: i})
	}

	if got := b.Dropped(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := newTestBus()
	ch, _ := b.Subscribe()

	b.Close()
	b.Close()

	if _, open := <-ch; open {
		t.Error("channel still open after close")
	}
	// Publish and Subscribe after close are inert.
	b.Publish(models.Event{Kind: models.EventJobFailed})
	late, _ := b.Subscribe()
	if _, open := <-late; open {
		t.Error("post-close subscription returned an open channel")
	}
}
