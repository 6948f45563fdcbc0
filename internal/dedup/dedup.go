// Package dedup remembers recent (subject, dedup key) pairs so that a
// retried submission resolves to the event it already produced.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Index maps a subject's dedup key to the event it produced.
type Index interface {
	// Lookup returns the event id remembered for key, if still in the window.
	Lookup(ctx context.Context, subjectID, key string) (eventID string, found bool, err error)
	// Remember records that key produced eventID.
	Remember(ctx context.Context, subjectID, key, eventID string) error
}

type entry struct {
	eventID string
	expires time.Time
}

// MemoryIndex is an Index held in process memory. Entries expire after the
// window; a zero window keeps them forever.
type MemoryIndex struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]entry
	writes  int
}

func NewMemoryIndex(window time.Duration) *MemoryIndex {
	return &MemoryIndex{
		window:  window,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func indexKey(subjectID, key string) string {
	return subjectID + "\x00" + key
}

func (m *MemoryIndex) Lookup(_ context.Context, subjectID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := indexKey(subjectID, key)
	e, ok := m.entries[k]
	if !ok {
		return "", false, nil
	}
	if m.window > 0 && !m.now().Before(e.expires) {
		delete(m.entries, k)
		return "", false, nil
	}
	return e.eventID, true, nil
}

func (m *MemoryIndex) Remember(_ context.Context, subjectID, key, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[indexKey(subjectID, key)] = entry{eventID: eventID, expires: now.Add(m.window)}

	m.writes++
	if m.window > 0 && m.writes%1024 == 0 {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}
