package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/statement-extractor/internal/model"
)

// ErrCorrupt reports persisted state that does not match the schema.
var ErrCorrupt = errors.New("corrupt cache state")

// WriteError reports that a mutation could not be persisted. The
// previously persisted state is left intact.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write failed during %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsWriteError reports whether err (or any error in its chain) is a
// WriteError.
func IsWriteError(err error) bool {
	var writeErr *WriteError
	return errors.As(err, &writeErr)
}

// Store is the credential cache: a per-sender PDF password map and the
// extraction ledger, both keyed by lowercased sender email. It is the
// only writer of persisted state; every mutation is durable on return.
type Store interface {
	// === Passwords ===

	GetPassword(ctx context.Context, senderEmail string) (string, bool, error)
	SavePassword(ctx context.Context, senderEmail, password string) error

	// === Extraction ledger ===

	// GetExtractionRecord returns nil when the sender has no record.
	GetExtractionRecord(ctx context.Context, senderEmail string) (*model.ExtractionRecord, error)
	GetExtractedMessageKeys(ctx context.Context, senderEmail string) (map[string]struct{}, error)

	// SaveExtractionRecord merges rec into the sender's existing record
	// (see model.ExtractionRecord.Merge) and returns the stored result.
	SaveExtractionRecord(ctx context.Context, rec model.ExtractionRecord) (model.ExtractionRecord, error)
	GetExtractionHistory(ctx context.Context) ([]model.ExtractionRecord, error)

	// ClearAllData removes every password and record.
	ClearAllData(ctx context.Context) error

	Close() error
}

// Open returns the store for the configured backend.
func Open(cfg model.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case model.CacheBackendJSON, "":
		return OpenJSONStore(cfg.Path)
	case model.CacheBackendSQLite:
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
