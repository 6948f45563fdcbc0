package engine

import "sync"

// lockTable hands out one RWMutex per subject. Entries are reference
// counted and removed when the last holder releases them, so lookups for
// unknown subjects do not accumulate.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*subjectLock)}
}

func (t *lockTable) acquire(subjectID string) *subjectLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[subjectID]
	if !ok {
		l = &subjectLock{}
		t.locks[subjectID] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(subjectID string, l *subjectLock) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(t.locks, subjectID)
	}
}

// Lock takes the subject's write lock and returns its release func.
func (t *lockTable) Lock(subjectID string) func() {
	l := t.acquire(subjectID)
	l.Lock()
	return func() {
		l.Unlock()
		t.release(subjectID, l)
	}
}

// RLock takes the subject's read lock and returns its release func.
func (t *lockTable) RLock(subjectID string) func() {
	l := t.acquire(subjectID)
	l.RLock()
	return func() {
		l.RUnlock()
		t.release(subjectID, l)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
