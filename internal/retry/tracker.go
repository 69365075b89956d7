package retry

import "sync"

// Tracker counts consecutive exhausted calls per operation name. One
// tracker is shared by every executor instance; callers keep streaks
// apart by scoping the operation name, the schedulers prefix it with
// their station id.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// Record increments the consecutive-exhaustion count for the operation
// and returns the new count.
func (t *Tracker) Record(operation string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[operation]++
	return t.counts[operation]
}

// Reset clears the consecutive-exhaustion count for the operation.
// Called after any successful attempt.
func (t *Tracker) Reset(operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, operation)
}

// Count returns the current consecutive-exhaustion count for the
// operation.
func (t *Tracker) Count(operation string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[operation]
}
