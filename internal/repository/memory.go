package repository

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardian/internal/models"
)

// MemoryEventStore is an EventStore kept in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]models.SeverityEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]models.SeverityEvent)}
}

func (s *MemoryEventStore) Append(_ context.Context, e models.SeverityEvent) (models.SeverityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[e.SubjectID]
	if len(log) > 0 && log[len(log)-1].Seq >= e.Seq {
		return models.SeverityEvent{}, fmt.Errorf("append event seq %d for %s: %w", e.Seq, e.SubjectID, ErrSeqConflict)
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	s.events[e.SubjectID] = append(log, e)
	return e, nil
}

func (s *MemoryEventStore) ListSince(ctx context.Context, subjectID string, cursor int64) iter.Seq2[models.SeverityEvent, error] {
	return func(yield func(models.SeverityEvent, error) bool) {
		s.mu.RLock()
		log := s.events[subjectID]
		// appends never modify existing elements, so the prefix is stable
		log = log[:len(log):len(log)]
		s.mu.RUnlock()

		start := sort.Search(len(log), func(i int) bool { return log[i].Seq > cursor })
		for _, e := range log[start:] {
			if err := ctx.Err(); err != nil {
				yield(models.SeverityEvent{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *MemoryEventStore) LastSeq(_ context.Context, subjectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[subjectID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

func (s *MemoryEventStore) FindByDedupKey(_ context.Context, subjectID, key string, since time.Time) (models.SeverityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[subjectID]
	for i := len(log) - 1; i >= 0; i-- {
		e := log[i]
		if e.DedupKey == key && !e.ReceivedAt.Before(since) {
			return e, nil
		}
	}
	return models.SeverityEvent{}, fmt.Errorf("dedup key %q for %s: %w", key, subjectID, ErrNotFound)
}

// MemoryProfileRepository is a ProfileRepository kept in process memory.
type MemoryProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]*models.SubjectProfile
}

func NewMemoryProfileRepository() *MemoryProfileRepository {
	return &MemoryProfileRepository{profiles: make(map[string]*models.SubjectProfile)}
}

func (r *MemoryProfileRepository) Create(_ context.Context, p *models.SubjectProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[p.SubjectID]; ok {
		return fmt.Errorf("profile %s: %w", p.SubjectID, ErrAlreadyExists)
	}
	now := nowUTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.AccessState == "" {
		p.AccessState = models.AccessActive
	}
	r.profiles[p.SubjectID] = p.Clone()
	return nil
}

func (r *MemoryProfileRepository) Get(_ context.Context, subjectID string) (*models.SubjectProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[subjectID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", subjectID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (r *MemoryProfileRepository) UpdateState(_ context.Context, p *models.SubjectProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.profiles[p.SubjectID]
	if !ok {
		return fmt.Errorf("profile %s: %w", p.SubjectID, ErrNotFound)
	}
	next := p.Clone()
	stored.AccessState = next.AccessState
	stored.LastEscalationAt = next.LastEscalationAt
	stored.BlockedAt = next.BlockedAt
	stored.UpdatedAt = next.UpdatedAt
	return nil
}

// MemoryEscalationRepository is an EscalationRepository kept in process memory.
type MemoryEscalationRepository struct {
	mu      sync.RWMutex
	records []models.EscalationRecord
}

func NewMemoryEscalationRepository() *MemoryEscalationRepository {
	return &MemoryEscalationRepository{}
}

func (r *MemoryEscalationRepository) Create(_ context.Context, rec *models.EscalationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	r.records = append(r.records, *rec)
	return nil
}

func (r *MemoryEscalationRepository) UpdateStatus(_ context.Context, id string, status models.EscalationStatus, attempts int, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		if r.records[i].ID == id {
			r.records[i].Status = status
			r.records[i].Attempts = attempts
			r.records[i].LastError = lastErr
			r.records[i].UpdatedAt = nowUTC()
			return nil
		}
	}
	return fmt.Errorf("escalation %s: %w", id, ErrNotFound)
}

func (r *MemoryEscalationRepository) ListBySubject(_ context.Context, subjectID string) ([]models.EscalationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.EscalationRecord
	for _, rec := range r.records {
		if rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	return out, nil
}
