// Package dedup tracks listing references seen across and within runs.
package dedup

import "sync"

// Tracker is a concurrency-safe membership set over listing references.
// Only presence matters: a reference admitted once is a duplicate forever
// after, and nothing about the listing body participates in the decision.
type Tracker struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{seen: make(map[string]struct{})}
}

// Seed installs the initial membership, replacing any prior content.
func (t *Tracker) Seed(refs []string) {
	next := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		next[ref] = struct{}{}
	}
	t.mu.Lock()
	t.seen = next
	t.mu.Unlock()
}

// IsNew reports whether ref has not been seen.
func (t *Tracker) IsNew(ref string) bool {
	t.mu.RLock()
	_, ok := t.seen[ref]
	t.mu.RUnlock()
	return !ok
}

// MarkSeen records ref as seen.
func (t *Tracker) MarkSeen(ref string) {
	if ref == "" {
		return
	}
	t.mu.Lock()
	t.seen[ref] = struct{}{}
	t.mu.Unlock()
}

// Admit atomically checks and marks ref, returning true exactly once per
// reference no matter how many goroutines race on it.
func (t *Tracker) Admit(ref string) bool {
	if ref == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[ref]; ok {
		return false
	}
	t.seen[ref] = struct{}{}
	return true
}

// Len returns the number of distinct references seen.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}
