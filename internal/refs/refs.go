// Package refs tracks reader pins on index snapshot paths.
//
// A pin is a lease: while any reader holds one on a path, the cleanup pass
// must not delete that path. The tracker is pure in-memory state behind one
// mutex; an entry exists only while its count is positive, so an absent entry
// and a zero count are the same observation.
package refs

import (
	"sync"
	"time"
)

// Tracker maintains path → pin count.
type Tracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	counts map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{counts: make(map[string]int)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Pin increments the count for path and returns the handle that undoes it.
// Callers pin before resolving a path to disk and release after the last
// byte of the response has been produced, normally with defer.
func (t *Tracker) Pin(path string) *Pin {
	t.mu.Lock()
	t.counts[path]++
	t.mu.Unlock()
	return &Pin{tracker: t, path: path}
}

// RefCount reports the current count for path.
func (t *Tracker) RefCount(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[path]
}

// Counts returns a snapshot of all pinned paths.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for p, n := range t.counts {
		out[p] = n
	}
	return out
}

// Drain blocks until path's count reaches zero or timeout elapses, reporting
// whether the path drained. Each release wakes waiters through a condition
// variable.
func (t *Tracker) Drain(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.counts[path] > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// sync.Cond has no timed wait; a timer broadcast stands in for one.
		timer := time.AfterFunc(remaining, func() {
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		})
		t.cond.Wait()
		timer.Stop()
	}
	return true
}

// release decrements and removes the entry at zero. A release racing an
// already-removed entry is a no-op, so counts never go negative.
func (t *Tracker) release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.counts[path]
	if !ok {
		return
	}
	if n <= 1 {
		delete(t.counts, path)
	} else {
		t.counts[path] = n - 1
	}
	t.cond.Broadcast()
}

// Pin is the handle returned by Tracker.Pin. Release is idempotent per
// handle: calling it twice decrements once.
type Pin struct {
	tracker *Tracker
	path    string
	once    sync.Once
}

// Path returns the pinned path.
func (p *Pin) Path() string { return p.path }

// Release undoes the pin. Safe to call multiple times.
func (p *Pin) Release() {
	p.once.Do(func() {
		p.tracker.release(p.path)
	})
}
