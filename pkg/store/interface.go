package store

import (
	"context"
	"strings"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
)

// ResultStore persists finished analyses.
// SQLite, PostgreSQL and memory implementations satisfy it.
type ResultStore interface {
	// Save stores a record, assigning ID and CreatedAt when empty
	Save(ctx context.Context, record *models.AnalysisRecord) (*models.AnalysisRecord, error)
	// ListHistory returns all stored records, newest first
	ListHistory(ctx context.Context) ([]*models.AnalysisRecord, error)
	// FindByOriginalName returns the newest record for an uploaded filename,
	// or nil with no error when there is none
	FindByOriginalName(ctx context.Context, name string) (*models.AnalysisRecord, error)

	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string or SQLite path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NormalizeType folds a configured store type to its canonical spelling
func NormalizeType(storeType string) string {
	t := strings.ToLower(strings.TrimSpace(storeType))
	switch t {
	case "postgresql":
		return "postgres"
	case "":
		return "memory"
	}
	return t
}

// NewResultStore creates a result store based on configuration
func NewResultStore(config Config) (ResultStore, error) {
	switch NormalizeType(config.Type) {
	case "postgres":
		return NewPostgresResultStore(config)
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "trailscan.db"
		}
		return NewSQLiteResultStore(path)
	case "memory":
		return NewMemoryResultStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = NewError("unsupported database type")
)

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}
