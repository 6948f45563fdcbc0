package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"guardian/internal/crypto"
	"guardian/internal/models"
)

// ProfileRepository stores subject profiles.
type ProfileRepository interface {
	Create(ctx context.Context, p *models.SubjectProfile) error
	Get(ctx context.Context, subjectID string) (*models.SubjectProfile, error)
	// UpdateState persists the engine-owned fields: access state,
	// escalation and block timestamps.
	UpdateState(ctx context.Context, p *models.SubjectProfile) error
}

type profileRow struct {
	SubjectID          string `db:"subject_id"`
	GuardianID         string `db:"guardian_id"`
	ContactName        string `db:"contact_name"`
	ContactAddress     string `db:"contact_address"`
	AccessState        string `db:"access_state"`
	LastEscalationAtMs *int64 `db:"last_escalation_at_ms"`
	BlockedAtMs        *int64 `db:"blocked_at_ms"`
	CreatedAtMs        int64  `db:"created_at_ms"`
	UpdatedAtMs        int64  `db:"updated_at_ms"`
}

type profileRepository struct {
	db     *sqlx.DB
	cipher *crypto.Cipher
	logger *zap.Logger
}

// NewProfileRepository creates a ProfileRepository. Contact addresses are
// sealed with cipher; a nil cipher stores them as given.
func NewProfileRepository(db *sqlx.DB, cipher *crypto.Cipher, logger *zap.Logger) ProfileRepository {
	return &profileRepository{db: db, cipher: cipher, logger: logger}
}

func (r *profileRepository) Create(ctx context.Context, p *models.SubjectProfile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.AccessState == "" {
		p.AccessState = models.AccessActive
	}

	var name, address string
	if p.TrustedContact != nil {
		name = p.TrustedContact.Name
		sealed, err := r.cipher.Seal(p.TrustedContact.Address)
		if err != nil {
			return fmt.Errorf("seal contact address: %w", err)
		}
		address = sealed
	}

	query := r.db.Rebind(`
		INSERT INTO subject_profiles
		(subject_id, guardian_id, contact_name, contact_address, access_state, last_escalation_at_ms, blocked_at_ms, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id) DO NOTHING
	`)
	result, err := r.db.ExecContext(ctx, query,
		p.SubjectID,
		p.GuardianID,
		name,
		address,
		string(p.AccessState),
		toNullMillis(p.LastEscalationAt),
		toNullMillis(p.BlockedAt),
		toMillis(p.CreatedAt),
		toMillis(p.UpdatedAt),
	)
	if err != nil {
		r.logger.Error("Failed to create subject profile", zap.String("subject_id", p.SubjectID), zap.Error(err))
		return fmt.Errorf("create profile: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create profile: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("profile %s: %w", p.SubjectID, ErrAlreadyExists)
	}
	return nil
}

func (r *profileRepository) Get(ctx context.Context, subjectID string) (*models.SubjectProfile, error) {
	var row profileRow
	query := r.db.Rebind(`
		SELECT subject_id, guardian_id, contact_name, contact_address, access_state, last_escalation_at_ms, blocked_at_ms, created_at_ms, updated_at_ms
		FROM subject_profiles
		WHERE subject_id = ?
	`)
	if err := r.db.GetContext(ctx, &row, query, subjectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", subjectID, ErrNotFound)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p := &models.SubjectProfile{
		SubjectID:        row.SubjectID,
		GuardianID:       row.GuardianID,
		AccessState:      models.AccessState(row.AccessState),
		LastEscalationAt: fromNullMillis(row.LastEscalationAtMs),
		BlockedAt:        fromNullMillis(row.BlockedAtMs),
		CreatedAt:        fromMillis(row.CreatedAtMs),
		UpdatedAt:        fromMillis(row.UpdatedAtMs),
	}
	if row.ContactAddress != "" || row.ContactName != "" {
		address, err := r.cipher.Open(row.ContactAddress)
		if err != nil {
			r.logger.Error("Failed to open contact address", zap.String("subject_id", subjectID), zap.Error(err))
			return nil, fmt.Errorf("open contact address: %w", err)
		}
		p.TrustedContact = &models.TrustedContact{Name: row.ContactName, Address: address}
	}
	return p, nil
}

func (r *profileRepository) UpdateState(ctx context.Context, p *models.SubjectProfile) error {
	query := r.db.Rebind(`
		UPDATE subject_profiles
		SET access_state = ?, last_escalation_at_ms = ?, blocked_at_ms = ?, updated_at_ms = ?
		WHERE subject_id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		string(p.AccessState),
		toNullMillis(p.LastEscalationAt),
		toNullMillis(p.BlockedAt),
		toMillis(p.UpdatedAt),
		p.SubjectID,
	)
	if err != nil {
		r.logger.Error("Failed to update subject state", zap.String("subject_id", p.SubjectID), zap.Error(err))
		return fmt.Errorf("update profile state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile state: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("profile %s: %w", p.SubjectID, ErrNotFound)
	}
	return nil
}
