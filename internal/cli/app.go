package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"guardian/internal/config"
	"guardian/internal/crypto"
	"guardian/internal/dedup"
	"guardian/internal/repository"
)

// contactKeyInfo binds the derived key to the contact address column.
const contactKeyInfo = "guardian/subject_profiles.contact_address"

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// storage is the set of repositories for one configured backend.
type storage struct {
	db          *sqlx.DB
	events      repository.EventStore
	profiles    repository.ProfileRepository
	escalations repository.EscalationRepository
}

func (s *storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// openStorage connects to the configured database and runs migrations.
func openStorage(cfg *config.Config, logger *zap.Logger) (*storage, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory storage; all data is lost on exit")
		return &storage{
			events:      repository.NewMemoryEventStore(),
			profiles:    repository.NewMemoryProfileRepository(),
			escalations: repository.NewMemoryEscalationRepository(),
		}, nil
	}

	cipher, err := contactCipher(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.Driver == repository.DriverSQLite {
		if dir := filepath.Dir(cfg.Database.URL); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := repository.NewDB(cfg.Database.Driver, cfg.Database.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.MigrateDB(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &storage{
		db:          db,
		events:      repository.NewEventStore(db, logger),
		profiles:    repository.NewProfileRepository(db, cipher, logger),
		escalations: repository.NewEscalationRepository(db, logger),
	}, nil
}

func contactCipher(cfg *config.Config, logger *zap.Logger) (*crypto.Cipher, error) {
	if cfg.Crypto.MasterKey == "" {
		logger.Warn("crypto.master_key is not set; trusted contact addresses are stored in plain text")
		return nil, nil
	}
	cipher, err := crypto.NewCipherFromBase64(cfg.Crypto.MasterKey, contactKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid crypto.master_key: %w", err)
	}
	return cipher, nil
}

// openDedup returns the configured dedup index and a func releasing it.
func openDedup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dedup.Index, func() error, error) {
	if cfg.Dedup.Backend == "redis" {
		idx, err := dedup.NewRedisIndex(ctx, cfg.Dedup.RedisURL, cfg.Ingest.DedupWindow, logger)
		if err != nil {
			return nil, nil, err
		}
		return idx, idx.Close, nil
	}
	return dedup.NewMemoryIndex(cfg.Ingest.DedupWindow), func() error { return nil }, nil
}
