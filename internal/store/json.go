package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nhle/statement-extractor/internal/model"
)

// stateVersion is the schema version written to the JSON file.
const stateVersion = 1

// state is the on-disk JSON document.
type state struct {
	Version           int                      `json:"version"`
	Passwords         map[string]string        `json:"passwords"`
	ExtractionHistory []model.ExtractionRecord `json:"extractionHistory"`
}

func emptyState() state {
	return state{
		Version:           stateVersion,
		Passwords:         map[string]string{},
		ExtractionHistory: []model.ExtractionRecord{},
	}
}

// JSONStore keeps the whole cache in memory and rewrites the JSON file on
// every mutation by writing a temporary file and renaming it over the old
// one, so a crash mid-write leaves the previous file intact.
type JSONStore struct {
	mu    sync.Mutex
	path  string
	state state
}

// OpenJSONStore loads the cache at path. A missing file is an empty cache;
// a file that fails schema validation returns ErrCorrupt.
func OpenJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, state: emptyState()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache %s: %w", path, err)
	}

	st, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("loading cache %s: %w", path, err)
	}
	s.state = st
	return s, nil
}

func decodeState(data []byte) (state, error) {
	var st state
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return state{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return state{}, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}
	if err := checkRequiredKeys(data); err != nil {
		return state{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if st.Version != stateVersion {
		return state{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, st.Version)
	}
	if st.Passwords == nil {
		st.Passwords = map[string]string{}
	}
	for email := range st.Passwords {
		if email == "" || email != model.NormalizeEmail(email) {
			return state{}, fmt.Errorf("%w: password key %q is not a normalized email", ErrCorrupt, email)
		}
	}

	seen := make(map[string]bool, len(st.ExtractionHistory))
	for i, rec := range st.ExtractionHistory {
		switch {
		case rec.SenderEmail == "" || rec.SenderEmail != model.NormalizeEmail(rec.SenderEmail):
			return state{}, fmt.Errorf("%w: record %d has invalid senderEmail %q", ErrCorrupt, i, rec.SenderEmail)
		case seen[rec.SenderEmail]:
			return state{}, fmt.Errorf("%w: duplicate record for %s", ErrCorrupt, rec.SenderEmail)
		case rec.ExtractedEmails == nil:
			return state{}, fmt.Errorf("%w: record %s has no extractedEmails", ErrCorrupt, rec.SenderEmail)
		case rec.TotalPdfsExtracted != len(rec.ExtractedEmails):
			return state{}, fmt.Errorf("%w: record %s totalPdfsExtracted %d != %d entries",
				ErrCorrupt, rec.SenderEmail, rec.TotalPdfsExtracted, len(rec.ExtractedEmails))
		}
		seen[rec.SenderEmail] = true
	}
	if st.ExtractionHistory == nil {
		st.ExtractionHistory = []model.ExtractionRecord{}
	}
	return st, nil
}

var (
	stateKeys  = []string{"version", "passwords", "extractionHistory"}
	recordKeys = []string{"senderEmail", "senderName", "extractedEmails", "lastExtractionDate", "totalPdfsExtracted"}
	entryKeys  = []string{"subject", "date", "pdfFilename", "extractedText", "pageCount"}
)

// checkRequiredKeys rejects documents where a key of the state, a record or
// an entry is missing or null. data must already be a single valid value.
func checkRequiredKeys(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	if err := requireKeys("state", top, stateKeys); err != nil {
		return err
	}

	var records []map[string]json.RawMessage
	if err := json.Unmarshal(top["extractionHistory"], &records); err != nil {
		return err
	}
	for i, rec := range records {
		where := fmt.Sprintf("record %d", i)
		if err := requireKeys(where, rec, recordKeys); err != nil {
			return err
		}

		var entries map[string]map[string]json.RawMessage
		if err := json.Unmarshal(rec["extractedEmails"], &entries); err != nil {
			return err
		}
		for key, entry := range entries {
			if err := requireKeys(fmt.Sprintf("%s entry %q", where, key), entry, entryKeys); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireKeys(where string, obj map[string]json.RawMessage, keys []string) error {
	if obj == nil {
		return fmt.Errorf("%s is null", where)
	}
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			return fmt.Errorf("%s is missing %s", where, k)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%s has null %s", where, k)
		}
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *JSONStore) Close() error {
	return nil
}

// GetPassword returns the saved password for a sender.
func (s *JSONStore) GetPassword(_ context.Context, senderEmail string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.state.Passwords[model.NormalizeEmail(senderEmail)]
	return pw, ok, nil
}

// SavePassword upserts a sender's password.
func (s *JSONStore) SavePassword(_ context.Context, senderEmail, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cloneLocked()
	next.Passwords[model.NormalizeEmail(senderEmail)] = password
	return s.commitLocked("save password", next)
}

// GetExtractionRecord returns a copy of the sender's record, or nil.
func (s *JSONStore) GetExtractionRecord(_ context.Context, senderEmail string) (*model.ExtractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(model.NormalizeEmail(senderEmail))
	if i < 0 {
		return nil, nil
	}
	rec := s.state.ExtractionHistory[i].Normalized()
	return &rec, nil
}

// GetExtractedMessageKeys returns the keys already in the sender's ledger.
func (s *JSONStore) GetExtractedMessageKeys(ctx context.Context, senderEmail string) (map[string]struct{}, error) {
	rec, err := s.GetExtractionRecord(ctx, senderEmail)
	if err != nil || rec == nil {
		return map[string]struct{}{}, err
	}
	return rec.MessageKeys(), nil
}

// SaveExtractionRecord merges rec into the ledger and persists it.
func (s *JSONStore) SaveExtractionRecord(_ context.Context, rec model.ExtractionRecord) (model.ExtractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec = rec.Normalized()
	if rec.SenderEmail == "" {
		return model.ExtractionRecord{}, errors.New("extraction record has no sender email")
	}

	next := s.cloneLocked()
	merged := rec
	if i := s.indexLocked(rec.SenderEmail); i >= 0 {
		merged = next.ExtractionHistory[i].Merge(rec)
		next.ExtractionHistory[i] = merged
	} else {
		next.ExtractionHistory = append(next.ExtractionHistory, merged)
	}

	if err := s.commitLocked("save extraction record", next); err != nil {
		return merged, err
	}
	return merged, nil
}

// GetExtractionHistory returns every record ordered by sender email.
func (s *JSONStore) GetExtractionHistory(_ context.Context) ([]model.ExtractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ExtractionRecord, 0, len(s.state.ExtractionHistory))
	for _, rec := range s.state.ExtractionHistory {
		out = append(out, rec.Normalized())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderEmail < out[j].SenderEmail })
	return out, nil
}

// ClearAllData empties the cache.
func (s *JSONStore) ClearAllData(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked("clear", emptyState())
}

func (s *JSONStore) indexLocked(senderEmail string) int {
	for i, rec := range s.state.ExtractionHistory {
		if rec.SenderEmail == senderEmail {
			return i
		}
	}
	return -1
}

// cloneLocked copies the top-level containers so a failed commit can be
// discarded without touching the live state. Records are values and their
// maps are replaced, never mutated, by Merge.
func (s *JSONStore) cloneLocked() state {
	next := state{
		Version:           stateVersion,
		Passwords:         make(map[string]string, len(s.state.Passwords)),
		ExtractionHistory: append([]model.ExtractionRecord(nil), s.state.ExtractionHistory...),
	}
	for k, v := range s.state.Passwords {
		next.Passwords[k] = v
	}
	return next
}

// commitLocked persists next and swaps it in. A failed write is retried
// once; if it still fails the live state is left unchanged.
func (s *JSONStore) commitLocked(op string, next state) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return &WriteError{Op: op, Err: err}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		if err := writeFileAtomic(s.path, data); err != nil {
			return &WriteError{Op: op, Err: err}
		}
	}

	s.state = next
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating cache directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting cache permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

var _ Store = (*JSONStore)(nil)
