package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/trailscan/pkg/models"
)

// SQLiteResultStore is a SQLite-based implementation of ResultStore
type SQLiteResultStore struct {
	db *sql.DB
}

// NewSQLiteResultStore opens (or creates) the database at dbPath
func NewSQLiteResultStore(dbPath string) (*SQLiteResultStore, error) {
	// WAL with a busy timeout so history reads don't block the batch worker's writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteResultStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteResultStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		video_path TEXT NOT NULL,
		model TEXT NOT NULL,
		fps REAL NOT NULL,
		species TEXT NOT NULL,
		duration_seconds REAL NOT NULL DEFAULT 0,
		summary TEXT,
		frames TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_original_name ON analyses(original_name);
	CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Save inserts a record
func (s *SQLiteResultStore) Save(ctx context.Context, record *models.AnalysisRecord) (*models.AnalysisRecord, error) {
	stored := prepareRecord(record)

	species, frames, err := marshalRecordColumns(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses
		(id, original_name, video_path, model, fps, species, duration_seconds, summary, frames, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.OriginalName, stored.VideoPath, stored.Model, stored.FPS,
		species, stored.Result.DurationSeconds, stored.Result.Summary, frames, stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert analysis: %w", err)
	}

	return stored.Clone(), nil
}

// ListHistory returns all records, newest first
func (s *SQLiteResultStore) ListHistory(ctx context.Context) ([]*models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, video_path, model, fps, species, duration_seconds, summary, frames, created_at
		FROM analyses ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindByOriginalName returns the newest record for name using the original_name index
func (s *SQLiteResultStore) FindByOriginalName(ctx context.Context, name string) (*models.AnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_name, video_path, model, fps, species, duration_seconds, summary, frames, created_at
		FROM analyses WHERE original_name = ? ORDER BY created_at DESC LIMIT 1
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return firstRecord(rows)
}

// Close closes the database connection
func (s *SQLiteResultStore) Close() error {
	return s.db.Close()
}

func marshalRecordColumns(r *models.AnalysisRecord) (string, string, error) {
	species := r.Result.Species
	if species == nil {
		species = []models.Species{}
	}
	speciesJSON, err := json.Marshal(species)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal species: %w", err)
	}
	framesJSON, err := json.Marshal(r.Frames)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal frames: %w", err)
	}
	return string(speciesJSON), string(framesJSON), nil
}

// firstRecord scans at most one row; nil when the query matched nothing
func firstRecord(rows *sql.Rows) (*models.AnalysisRecord, error) {
	records, err := scanRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func scanRecords(rows *sql.Rows) ([]*models.AnalysisRecord, error) {
	records := make([]*models.AnalysisRecord, 0)
	for rows.Next() {
		var r models.AnalysisRecord
		var speciesJSON string
		var summary, framesJSON sql.NullString

		if err := rows.Scan(&r.ID, &r.OriginalName, &r.VideoPath, &r.Model, &r.FPS,
			&speciesJSON, &r.Result.DurationSeconds, &summary, &framesJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}

		if err := json.Unmarshal([]byte(speciesJSON), &r.Result.Species); err != nil {
			return nil, fmt.Errorf("failed to unmarshal species: %w", err)
		}
		if framesJSON.Valid && framesJSON.String != "" && framesJSON.String != "null" {
			if err := json.Unmarshal([]byte(framesJSON.String), &r.Frames); err != nil {
				return nil, fmt.Errorf("failed to unmarshal frames: %w", err)
			}
		}
		r.Result.Summary = summary.String

		records = append(records, &r)
	}
	return records, rows.Err()
}
