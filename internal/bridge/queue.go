package bridge

import (
	"sync"

	"github.com/BurntRouter/wampmeter/internal/meta"
)

// eventQueue is an unbounded FIFO between the WAMP reader goroutine, which
// must never block, and the single goroutine running the Core.
type eventQueue struct {
	mu    sync.Mutex
	items []meta.Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) Push(ev meta.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) TryPop() (meta.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return meta.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = meta.Event{}
	q.items = q.items[1:]
	return ev, true
}

// Ready receives after a Push; drain with TryPop until it reports false.
func (q *eventQueue) Ready() <-chan struct{} { return q.ready }

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
