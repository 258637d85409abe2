package refresh

import "sync"

// MetaLock is the scope name serializing derived metadata analyses across
// refreshes.
const MetaLock = "cidx-meta"

// LockSet is a set of named non-blocking locks. A holder that failed to
// acquire must not release; the release path checks the TryLock result,
// never assumes it.
type LockSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLockSet() *LockSet {
	return &LockSet{held: make(map[string]struct{})}
}

// TryLock acquires name if free and reports whether it did.
func (l *LockSet) TryLock(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return false
	}
	l.held[name] = struct{}{}
	return true
}

// Unlock releases name. Only the caller whose TryLock returned true may
// call this.
func (l *LockSet) Unlock(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

// Held reports whether name is currently taken.
func (l *LockSet) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, taken := l.held[name]
	return taken
}
