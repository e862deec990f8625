package sandbox

import (
	"sync"
	"time"
)

// idleTracker records per-handle activity so backends can reap sandboxes
// whose idle timeout elapsed. Idle reaping is an efficiency measure only;
// correctness never depends on it.
type idleTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	timeouts map[string]time.Duration
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		lastSeen: make(map[string]time.Time),
		timeouts: make(map[string]time.Duration),
	}
}

// Track registers a handle with its idle timeout and marks it active.
func (t *idleTracker) Track(handle string, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[handle] = time.Now()
	t.timeouts[handle] = timeout
}

// Touch marks a handle active, deferring its idle expiry.
func (t *idleTracker) Touch(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.lastSeen[handle]; ok {
		t.lastSeen[handle] = time.Now()
	}
}

// Forget stops tracking a handle.
func (t *idleTracker) Forget(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, handle)
	delete(t.timeouts, handle)
}

// Expired returns the handles whose idle timeout elapsed as of now.
func (t *idleTracker) Expired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for handle, seen := range t.lastSeen {
		timeout := t.timeouts[handle]
		if timeout <= 0 {
			continue
		}
		if now.Sub(seen) >= timeout {
			expired = append(expired, handle)
		}
	}
	return expired
}
