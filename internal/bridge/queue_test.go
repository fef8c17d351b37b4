package bridge

import (
	"testing"

	"github.com/BurntRouter/wampmeter/internal/meta"
)

func TestEventQueueFIFONeverBlocks(t *testing.T) {
	q := newEventQueue()
	for i := 1; i <= 1000; i++ {
		q.Push(meta.Event{Topic: meta.TopicRegistrationRegister, ID: 7})
	}
	q.Push(meta.Event{Topic: meta.TopicRegistrationDelete, ID: 7})

	select {
	case <-q.Ready():
	default:
		t.Fatal("expected ready signal")
	}
	if q.Len() != 1001 {
		t.Fatalf("unexpected length %d", q.Len())
	}
	var last meta.Event
	n := 0
	for {
		ev, ok := q.TryPop()
		if !ok {
			break
		}
		last = ev
		n++
	}
	if n != 1001 || last.Topic != meta.TopicRegistrationDelete {
		t.Fatalf("popped %d events, last %+v", n, last)
	}
}
