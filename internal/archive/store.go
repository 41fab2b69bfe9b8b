package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/manifold-mesh/manifold/internal/circuitbreaker"
	"github.com/manifold-mesh/manifold/internal/collector"
)

// Config holds archive database configuration. Driver is "postgres" for
// deployments or "sqlite3" for single-node and test setups.
type Config struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS closed_batches (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL UNIQUE,
    outcome        TEXT NOT NULL,
    partial        BOOLEAN NOT NULL,
    artifact_count INTEGER NOT NULL,
    extra_count    INTEGER NOT NULL,
    missing        TEXT,
    record         TEXT NOT NULL,
    opened_at      TIMESTAMP NOT NULL,
    closed_at      TIMESTAMP NOT NULL,
    archived_at    TIMESTAMP NOT NULL
)`

// Store persists closed batches. Writes go through a circuit breaker so a
// dead database degrades archiving instead of stalling finalization.
type Store struct {
	db      *sqlx.DB
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// Row is one archived batch.
type Row struct {
	ID            string    `db:"id" json:"id"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	Outcome       string    `db:"outcome" json:"outcome"`
	Partial       bool      `db:"partial" json:"partial"`
	ArtifactCount int       `db:"artifact_count" json:"artifact_count"`
	ExtraCount    int       `db:"extra_count" json:"extra_count"`
	Missing       string    `db:"missing" json:"missing,omitempty"`
	Record        string    `db:"record" json:"record"`
	OpenedAt      time.Time `db:"opened_at" json:"opened_at"`
	ClosedAt      time.Time `db:"closed_at" json:"closed_at"`
	ArchivedAt    time.Time `db:"archived_at" json:"archived_at"`
}

// NewStore opens the archive database and ensures the schema exists.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}

	logger.Info("Archive store initialized",
		zap.String("driver", cfg.Driver),
	)
	return &Store{
		db:      db,
		breaker: circuitbreaker.New("archive-db", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}, nil
}

// NewStoreWithDB wraps an existing connection. Used by tests.
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		breaker: circuitbreaker.New("archive-db", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// ArchiveBatch inserts one closed batch. Re-archiving the same correlation id
// is a no-op so finalize retries stay idempotent.
func (s *Store) ArchiveBatch(ctx context.Context, rec *collector.FinalRecord, outcome string) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal final record: %w", err)
	}
	missingJSON, err := json.Marshal(rec.Missing)
	if err != nil {
		return fmt.Errorf("marshal missing list: %w", err)
	}

	query := s.db.Rebind(`
        INSERT INTO closed_batches (
            id, correlation_id, outcome, partial, artifact_count, extra_count,
            missing, record, opened_at, closed_at, archived_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (correlation_id) DO NOTHING`)

	return s.breaker.Execute(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			uuid.New().String(),
			rec.CorrelationID,
			outcome,
			rec.Partial,
			len(rec.Artifacts),
			len(rec.Extras),
			string(missingJSON),
			string(recJSON),
			rec.OpenedAt,
			rec.ClosedAt,
			time.Now(),
		)
		if err != nil {
			return fmt.Errorf("insert closed batch: %w", err)
		}
		return nil
	})
}

// Get returns the archived batch for a correlation id.
func (s *Store) Get(ctx context.Context, correlationID string) (*Row, error) {
	var row Row
	query := s.db.Rebind(`SELECT * FROM closed_batches WHERE correlation_id = ?`)
	err := s.breaker.Execute(ctx, func() error {
		return s.db.GetContext(ctx, &row, query, correlationID)
	})
	if err != nil {
		return nil, fmt.Errorf("get archived batch: %w", err)
	}
	return &row, nil
}

// Recent returns the most recently closed batches, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Row
	query := s.db.Rebind(`SELECT * FROM closed_batches ORDER BY closed_at DESC LIMIT ?`)
	err := s.breaker.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &rows, query, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list archived batches: %w", err)
	}
	return rows, nil
}

// Close shuts down the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
