package bridge

import (
	"sync"
	"time"
)

// FailureTracker counts transient meta API failures per key inside a sliding
// window and reports when the rate says local state can no longer be trusted.
type FailureTracker struct {
	mu      sync.Mutex
	states  map[string]*failureState
	window  time.Duration
	maxRate int // failures per window before tripping
	now     func() time.Time
}

type failureState struct {
	count     int
	firstSeen time.Time
}

func NewFailureTracker(window time.Duration, maxRate int) *FailureTracker {
	return &FailureTracker{
		states:  make(map[string]*failureState),
		window:  window,
		maxRate: maxRate,
		now:     time.Now,
	}
}

// RecordError records a failure for key. It returns true once the count
// within the window exceeds maxRate; the key then starts over.
func (t *FailureTracker) RecordError(key string) bool {
	if t == nil || t.maxRate <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state, exists := t.states[key]
	if !exists || now.Sub(state.firstSeen) > t.window {
		t.states[key] = &failureState{count: 1, firstSeen: now}
		return 1 > t.maxRate
	}

	state.count++
	if state.count > t.maxRate {
		delete(t.states, key)
		return true
	}
	return false
}

// Reset forgets all recorded failures.
func (t *FailureTracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.states = make(map[string]*failureState)
	t.mu.Unlock()
}
