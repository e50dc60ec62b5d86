package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/trailscan/pkg/models"
)

// PostgresResultStore implements ResultStore using PostgreSQL
type PostgresResultStore struct {
	db *sql.DB
}

// NewPostgresResultStore creates a new PostgreSQL store
func NewPostgresResultStore(config Config) (*PostgresResultStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresResultStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *PostgresResultStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		video_path TEXT NOT NULL,
		model TEXT NOT NULL,
		fps DOUBLE PRECISION NOT NULL,
		species JSONB NOT NULL,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		summary TEXT,
		frames JSONB,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_original_name ON analyses(original_name);
	CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save inserts a record
func (s *PostgresResultStore) Save(ctx context.Context, record *models.AnalysisRecord) (*models.AnalysisRecord, error) {
	stored := prepareRecord(record)

	species, frames, err := marshalRecordColumns(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses
		(id, original_name, video_path, model, fps, species, duration_seconds, summary, frames, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, stored.ID, stored.OriginalName, stored.VideoPath, stored.Model, stored.FPS,
		species, stored.Result.DurationSeconds, stored.Result.Summary, frames, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert analysis: %w", err)
	}

	return stored.Clone(), nil
}

// ListHistory returns all records, newest first
func (s *PostgresResultStore) ListHistory(ctx context.Context) ([]*models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, video_path, model, fps, species::text, duration_seconds, summary, frames::text, created_at
		FROM analyses ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindByOriginalName returns the newest record for name using the original_name index
func (s *PostgresResultStore) FindByOriginalName(ctx context.Context, name string) (*models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, video_path, model, fps, species::text, duration_seconds, summary, frames::text, created_at
		FROM analyses WHERE original_name = $1 ORDER BY created_at DESC LIMIT 1
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return firstRecord(rows)
}

// Close closes the database connection
func (s *PostgresResultStore) Close() error {
	return s.db.Close()
}
