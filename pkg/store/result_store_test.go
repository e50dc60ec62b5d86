package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/trailscan/pkg/models"
)

func sampleRecord(name string, createdAt time.Time) *models.AnalysisRecord {
	return &models.AnalysisRecord{
		OriginalName: name,
		VideoPath:    "/uploads/" + name,
		Model:        "vision-large",
		FPS:          1,
		Result: models.AnalysisResult{
			Species: []models.Species{
				{CommonName: "Red fox", ScientificName: "Vulpes vulpes", Count: 1, Confidence: 0.93},
			},
			DurationSeconds: 12.5,
			Summary:         "A fox crosses the trail",
		},
		Frames:    []string{"frame_0001.jpg"},
		CreatedAt: createdAt,
	}
}

func testResultStore(t *testing.T, s ResultStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	first, err := s.Save(ctx, sampleRecord("cam1_0001.mp4", base))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if first.ID == "" {
		t.Fatal("Expected Save to assign an ID")
	}

	second, err := s.Save(ctx, sampleRecord("cam1_0002.mp4", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("Expected distinct IDs")
	}

	history, err := s.ListHistory(ctx)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) < 2 {
		t.Fatalf("Expected at least 2 records, got %d", len(history))
	}
	if history[0].ID != second.ID {
		t.Errorf("Expected newest record first, got %s", history[0].OriginalName)
	}

	got := history[0]
	if len(got.Result.Species) != 1 || got.Result.Species[0].CommonName != "Red fox" {
		t.Errorf("Species not round-tripped: %+v", got.Result.Species)
	}
	if got.Result.Summary != "A fox crosses the trail" {
		t.Errorf("Summary not round-tripped: %q", got.Result.Summary)
	}
	if len(got.Frames) != 1 {
		t.Errorf("Frames not round-tripped: %v", got.Frames)
	}

	rec, err := s.FindByOriginalName(ctx, "cam1_0001.mp4")
	if err != nil {
		t.Fatalf("FindByOriginalName failed: %v", err)
	}
	if rec == nil || rec.ID != first.ID {
		t.Error("Expected history to contain cam1_0001.mp4")
	}

	rerun, err := s.Save(ctx, sampleRecord("cam1_0001.mp4", base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec, err = s.FindByOriginalName(ctx, "cam1_0001.mp4")
	if err != nil {
		t.Fatalf("FindByOriginalName failed: %v", err)
	}
	if rec == nil || rec.ID != rerun.ID {
		t.Errorf("Expected newest cam1_0001.mp4 record %s, got %+v", rerun.ID, rec)
	}
	if rec != nil && len(rec.Result.Species) != 1 {
		t.Errorf("Species not round-tripped by FindByOriginalName: %+v", rec.Result.Species)
	}

	missing, err := s.FindByOriginalName(ctx, "never_seen.mp4")
	if err != nil {
		t.Fatalf("FindByOriginalName failed: %v", err)
	}
	if missing != nil {
		t.Error("Did not expect never_seen.mp4 in history")
	}
}

func TestMemoryResultStore(t *testing.T) {
	s := NewMemoryResultStore()
	defer s.Close()
	testResultStore(t, s)
}

func TestMemoryResultStoreReturnsCopies(t *testing.T) {
	s := NewMemoryResultStore()
	ctx := context.Background()

	rec, err := s.Save(ctx, sampleRecord("a.mp4", time.Time{}))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Expected Save to set CreatedAt")
	}
	rec.Result.Species[0].CommonName = "mutated"

	history, _ := s.ListHistory(ctx)
	if history[0].Result.Species[0].CommonName != "Red fox" {
		t.Error("Stored record was mutated through returned copy")
	}
}

func TestSQLiteResultStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trailscan.db")

	s, err := NewSQLiteResultStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	testResultStore(t, s)
}

// TestSQLiteConcurrentSaves checks that the single-writer pool does not surface SQLITE_BUSY
func TestSQLiteConcurrentSaves(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "concurrent.db")

	s, err := NewSQLiteResultStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Save(context.Background(), sampleRecord("clip.mp4", time.Time{})); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent save failed: %v", err)
	}

	history, err := s.ListHistory(context.Background())
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(history) != n {
		t.Errorf("Expected %d records, got %d", n, len(history))
	}
}

func TestNewResultStoreSelectsBackend(t *testing.T) {
	s, err := NewResultStore(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := s.(*MemoryResultStore); !ok {
		t.Errorf("Expected *MemoryResultStore, got %T", s)
	}

	sqlite, err := NewResultStore(Config{Type: " SQLite ", DSN: filepath.Join(t.TempDir(), "mixed.db")})
	if err != nil {
		t.Fatalf("SQLite: %v", err)
	}
	defer sqlite.Close()
	if _, ok := sqlite.(*SQLiteResultStore); !ok {
		t.Errorf("Expected *SQLiteResultStore, got %T", sqlite)
	}

	if _, err := NewResultStore(Config{Type: "mongodb"}); err != ErrUnsupportedDatabase {
		t.Errorf("Expected ErrUnsupportedDatabase, got %v", err)
	}

	if _, err := NewResultStore(Config{Type: "postgres"}); err == nil {
		t.Error("Expected error for postgres without DSN")
	}
}

func TestNormalizeType(t *testing.T) {
	tests := map[string]string{
		"":           "memory",
		"Memory":     "memory",
		"SQLite":     "sqlite",
		"PostgreSQL": "postgres",
		"postgres":   "postgres",
		"mongodb":    "mongodb",
	}
	for in, want := range tests {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestPostgresResultStoreIntegration runs against a real database.
// Set DATABASE_DSN to run: export DATABASE_DSN="postgresql://..."
func TestPostgresResultStoreIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	s, err := NewResultStore(Config{Type: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL store: %v", err)
	}
	defer s.Close()

	testResultStore(t, s)
}
