package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/statement-extractor/internal/store"
)

// NewTestStore creates a file-backed SQLiteStore in a temp directory with
// all migrations applied. It automatically closes the store when the test
// completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestJSONStore creates a JSONStore backed by a file in a temp directory.
func NewTestJSONStore(t *testing.T) *store.JSONStore {
	t.Helper()

	s, err := store.OpenJSONStore(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("creating test json store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

// Backends returns one fresh store per backend, keyed by name, for tests
// that must hold for every implementation.
func Backends(t *testing.T) map[string]store.Store {
	t.Helper()

	return map[string]store.Store{
		"json":   NewTestJSONStore(t),
		"sqlite": NewTestStore(t),
	}
}
