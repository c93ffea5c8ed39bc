package sync

import (
	"sync"
	"time"
)

// retryScheduler holds one cancellable timer per queue entry.
type retryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	fire    func(entryID string)
	stopped bool
}

func newRetryScheduler(fire func(entryID string)) *retryScheduler {
	return &retryScheduler{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms a retry for the entry, replacing any earlier one.
func (r *retryScheduler) Schedule(entryID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if t, ok := r.timers[entryID]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		r.mu.Lock()
		current, ok := r.timers[entryID]
		if ok && current == t {
			delete(r.timers, entryID)
		}
		r.mu.Unlock()
		if ok && current == t {
			r.fire(entryID)
		}
	})
	r.timers[entryID] = t
}

func (r *retryScheduler) Cancel(entryIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range entryIDs {
		if t, ok := r.timers[id]; ok {
			t.Stop()
			delete(r.timers, id)
		}
	}
}

// Stop cancels every pending retry and refuses new ones.
func (r *retryScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *retryScheduler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
