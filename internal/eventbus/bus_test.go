package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskAdded, Data: TaskEvent{ID: 1, Name: "x"}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TaskAdded || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if te, ok := e.Data.(TaskEvent); !ok || te.ID != 1 {
				t.Fatalf("data = %+v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TaskRun})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered = %d", len(ch))
	}

	unsub()
	unsub()
	if _, ok := <-ch; !ok {
		t.Fatal("buffered event lost on unsubscribe")
	}
	b.Publish(Event{Type: TaskRun})
}
