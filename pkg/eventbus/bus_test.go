package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	tasks, unsubT := b.SubscribePrefix(4, "task.")
	defer unsubT()

	b.Publish(Event{Type: "batch.started"})
	b.Publish(Event{Type: "task.started", Data: "t1"})

	if got := len(a); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("prefix subscriber got %d events, want 1", got)
	}
	e := <-tasks
	if e.Type != "task.started" || e.Data != "t1" {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "task.retry"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if Dropped(b) != 9 {
		t.Fatalf("Dropped = %d, want 9", Dropped(b))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: "batch.completed"})
}
