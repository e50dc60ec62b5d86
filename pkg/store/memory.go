package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/trailscan/pkg/models"
)

// MemoryResultStore is an in-memory implementation of ResultStore
type MemoryResultStore struct {
	mu      sync.RWMutex
	records []*models.AnalysisRecord
}

// NewMemoryResultStore creates an empty store
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{
		records: make([]*models.AnalysisRecord, 0),
	}
}

// Save appends a record
func (s *MemoryResultStore) Save(ctx context.Context, record *models.AnalysisRecord) (*models.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := prepareRecord(record)

	s.mu.Lock()
	s.records = append(s.records, stored)
	s.mu.Unlock()

	return stored.Clone(), nil
}

// ListHistory returns all records, newest first
func (s *MemoryResultStore) ListHistory(ctx context.Context) ([]*models.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AnalysisRecord, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		out = append(out, s.records[i].Clone())
	}
	return out, nil
}

// FindByOriginalName scans for the newest record with that filename
func (s *MemoryResultStore) FindByOriginalName(ctx context.Context, name string) (*models.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *models.AnalysisRecord
	for _, r := range s.records {
		if r.OriginalName != name {
			continue
		}
		if found == nil || !r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

// Close is a no-op
func (s *MemoryResultStore) Close() error {
	return nil
}

// prepareRecord copies record and fills ID and CreatedAt
func prepareRecord(record *models.AnalysisRecord) *models.AnalysisRecord {
	stored := record.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	return stored
}
