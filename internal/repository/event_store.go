package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"guardian/internal/models"
)

// listPageSize bounds how many rows ListSince pulls per round trip.
const listPageSize = 256

// EventStore is the append-only, per-subject ordered log of severity events.
type EventStore interface {
	// Append stores e under e.Seq and assigns an EventID if it has none.
	// It returns ErrSeqConflict if the seq is already taken.
	Append(ctx context.Context, e models.SeverityEvent) (models.SeverityEvent, error)
	// ListSince yields the subject's events with seq > cursor in arrival
	// order. The sequence is lazy and may be ranged over more than once.
	ListSince(ctx context.Context, subjectID string, cursor int64) iter.Seq2[models.SeverityEvent, error]
	// LastSeq is the highest seq stored for the subject, 0 if none.
	LastSeq(ctx context.Context, subjectID string) (int64, error)
	// FindByDedupKey returns the latest event carrying key that was received
	// at or after since. It returns ErrNotFound if there is none.
	FindByDedupKey(ctx context.Context, subjectID, key string, since time.Time) (models.SeverityEvent, error)
}

type eventRow struct {
	EventID      string  `db:"event_id"`
	SubjectID    string  `db:"subject_id"`
	Seq          int64   `db:"seq"`
	SourceApp    string  `db:"source_app"`
	Category     string  `db:"category"`
	Severity     string  `db:"severity"`
	InsultScore  float64 `db:"insult_score"`
	ThreatScore  float64 `db:"threat_score"`
	OccurredAtMs int64   `db:"occurred_at_ms"`
	ReceivedAtMs int64   `db:"received_at_ms"`
	DedupKey     string  `db:"dedup_key"`
}

func (r eventRow) toModel() models.SeverityEvent {
	return models.SeverityEvent{
		EventID:     r.EventID,
		Seq:         r.Seq,
		SubjectID:   r.SubjectID,
		SourceApp:   models.SourceApp(r.SourceApp),
		Category:    r.Category,
		Severity:    models.Severity(r.Severity),
		InsultScore: r.InsultScore,
		ThreatScore: r.ThreatScore,
		Timestamp:   fromMillis(r.OccurredAtMs),
		ReceivedAt:  fromMillis(r.ReceivedAtMs),
		DedupKey:    r.DedupKey,
	}
}

type sqlEventStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewEventStore creates an EventStore backed by db.
func NewEventStore(db *sqlx.DB, logger *zap.Logger) EventStore {
	return &sqlEventStore{db: db, logger: logger}
}

func (s *sqlEventStore) Append(ctx context.Context, e models.SeverityEvent) (models.SeverityEvent, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	query := s.db.Rebind(`
		INSERT INTO severity_events
		(event_id, subject_id, seq, source_app, category, severity, insult_score, threat_score, occurred_at_ms, received_at_ms, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, seq) DO NOTHING
	`)
	result, err := s.db.ExecContext(ctx, query,
		e.EventID,
		e.SubjectID,
		e.Seq,
		string(e.SourceApp),
		e.Category,
		string(e.Severity),
		e.InsultScore,
		e.ThreatScore,
		toMillis(e.Timestamp),
		toMillis(e.ReceivedAt),
		e.DedupKey,
	)
	if err != nil {
		s.logger.Error("Failed to append severity event", zap.String("subject_id", e.SubjectID), zap.Int64("seq", e.Seq), zap.Error(err))
		return models.SeverityEvent{}, fmt.Errorf("append event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return models.SeverityEvent{}, fmt.Errorf("append event: rows affected: %w", err)
	}
	if rows == 0 {
		return models.SeverityEvent{}, fmt.Errorf("append event seq %d for %s: %w", e.Seq, e.SubjectID, ErrSeqConflict)
	}

	return e, nil
}

func (s *sqlEventStore) ListSince(ctx context.Context, subjectID string, cursor int64) iter.Seq2[models.SeverityEvent, error] {
	query := s.db.Rebind(`
		SELECT event_id, subject_id, seq, source_app, category, severity, insult_score, threat_score, occurred_at_ms, received_at_ms, dedup_key
		FROM severity_events
		WHERE subject_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`)

	return func(yield func(models.SeverityEvent, error) bool) {
		after := cursor
		for {
			var page []eventRow
			if err := s.db.SelectContext(ctx, &page, query, subjectID, after, listPageSize); err != nil {
				yield(models.SeverityEvent{}, fmt.Errorf("list events for %s: %w", subjectID, err))
				return
			}

			for _, row := range page {
				if !yield(row.toModel(), nil) {
					return
				}
				after = row.Seq
			}

			if len(page) < listPageSize {
				return
			}
		}
	}
}

func (s *sqlEventStore) LastSeq(ctx context.Context, subjectID string) (int64, error) {
	var seq int64
	query := s.db.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM severity_events WHERE subject_id = ?`)
	if err := s.db.GetContext(ctx, &seq, query, subjectID); err != nil {
		return 0, fmt.Errorf("last seq for %s: %w", subjectID, err)
	}
	return seq, nil
}

func (s *sqlEventStore) FindByDedupKey(ctx context.Context, subjectID, key string, since time.Time) (models.SeverityEvent, error) {
	var row eventRow
	query := s.db.Rebind(`
		SELECT event_id, subject_id, seq, source_app, category, severity, insult_score, threat_score, occurred_at_ms, received_at_ms, dedup_key
		FROM severity_events
		WHERE subject_id = ? AND dedup_key = ? AND received_at_ms >= ?
		ORDER BY seq DESC
		LIMIT 1
	`)
	err := s.db.GetContext(ctx, &row, query, subjectID, key, toMillis(since))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SeverityEvent{}, fmt.Errorf("dedup key %q for %s: %w", key, subjectID, ErrNotFound)
	}
	if err != nil {
		return models.SeverityEvent{}, fmt.Errorf("find dedup key for %s: %w", subjectID, err)
	}
	return row.toModel(), nil
}
