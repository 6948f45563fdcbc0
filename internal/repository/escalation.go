package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"guardian/internal/models"
)

// EscalationRepository is the audit trail of escalation decisions.
type EscalationRepository interface {
	Create(ctx context.Context, rec *models.EscalationRecord) error
	UpdateStatus(ctx context.Context, id string, status models.EscalationStatus, attempts int, lastErr string) error
	// ListBySubject returns the subject's records, oldest first.
	ListBySubject(ctx context.Context, subjectID string) ([]models.EscalationRecord, error)
}

type escalationRow struct {
	ID          string `db:"id"`
	SubjectID   string `db:"subject_id"`
	EventID     string `db:"event_id"`
	Status      string `db:"status"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

type escalationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewEscalationRepository(db *sqlx.DB, logger *zap.Logger) EscalationRepository {
	return &escalationRepository{db: db, logger: logger}
}

func (r *escalationRepository) Create(ctx context.Context, rec *models.EscalationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := r.db.Rebind(`
		INSERT INTO escalations (id, subject_id, event_id, status, attempts, last_error, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.SubjectID,
		rec.EventID,
		string(rec.Status),
		rec.Attempts,
		rec.LastError,
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create escalation record", zap.String("subject_id", rec.SubjectID), zap.Error(err))
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

func (r *escalationRepository) UpdateStatus(ctx context.Context, id string, status models.EscalationStatus, attempts int, lastErr string) error {
	query := r.db.Rebind(`
		UPDATE escalations SET status = ?, attempts = ?, last_error = ?, updated_at_ms = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query, string(status), attempts, lastErr, toMillis(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("update escalation %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update escalation %s: rows affected: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *escalationRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.EscalationRecord, error) {
	var rows []escalationRow
	query := r.db.Rebind(`
		SELECT id, subject_id, event_id, status, attempts, last_error, created_at_ms, updated_at_ms
		FROM escalations
		WHERE subject_id = ?
		ORDER BY created_at_ms ASC, id ASC
	`)
	if err := r.db.SelectContext(ctx, &rows, query, subjectID); err != nil {
		return nil, fmt.Errorf("list escalations for %s: %w", subjectID, err)
	}

	records := make([]models.EscalationRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, models.EscalationRecord{
			ID:        row.ID,
			SubjectID: row.SubjectID,
			EventID:   row.EventID,
			Status:    models.EscalationStatus(row.Status),
			Attempts:  row.Attempts,
			LastError: row.LastError,
			CreatedAt: fromMillis(row.CreatedAtMs),
			UpdatedAt: fromMillis(row.UpdatedAtMs),
		})
	}
	return records, nil
}
