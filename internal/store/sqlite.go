package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/statement-extractor/internal/model"
)

// SQLiteStore implements Store on a local SQLite database. Each mutation
// runs in one transaction, so a crash never leaves a half-merged record.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

type recordRow struct {
	SenderEmail        string    `db:"sender_email"`
	SenderName         string    `db:"sender_name"`
	LastExtractionDate time.Time `db:"last_extraction_date"`
}

type emailRow struct {
	MessageKey    string    `db:"message_key"`
	Subject       string    `db:"subject"`
	EmailDate     time.Time `db:"email_date"`
	PdfFilename   string    `db:"pdf_filename"`
	ExtractedText string    `db:"extracted_text"`
	PageCount     int       `db:"page_count"`
}

// GetPassword returns the saved password for a sender.
func (s *SQLiteStore) GetPassword(ctx context.Context, senderEmail string) (string, bool, error) {
	var pw string
	err := s.db.GetContext(ctx, &pw,
		"SELECT password FROM sender_passwords WHERE sender_email = ?",
		model.NormalizeEmail(senderEmail),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting password for %s: %w", senderEmail, err)
	}
	return pw, true, nil
}

// SavePassword upserts a sender's password.
func (s *SQLiteStore) SavePassword(ctx context.Context, senderEmail, password string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sender_passwords (sender_email, password, updated_at)
		VALUES (?, ?, ?)`,
		model.NormalizeEmail(senderEmail), password, time.Now().UTC(),
	)
	if err != nil {
		return &WriteError{Op: "save password", Err: err}
	}
	return nil
}

// GetExtractionRecord returns the sender's record, or nil.
func (s *SQLiteStore) GetExtractionRecord(ctx context.Context, senderEmail string) (*model.ExtractionRecord, error) {
	return loadRecord(ctx, s.db, model.NormalizeEmail(senderEmail))
}

// GetExtractedMessageKeys returns the keys already in the sender's ledger.
func (s *SQLiteStore) GetExtractedMessageKeys(ctx context.Context, senderEmail string) (map[string]struct{}, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		"SELECT message_key FROM extracted_emails WHERE sender_email = ?",
		model.NormalizeEmail(senderEmail),
	)
	if err != nil {
		return nil, fmt.Errorf("listing extracted keys for %s: %w", senderEmail, err)
	}

	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

// SaveExtractionRecord merges rec into the ledger in one transaction.
func (s *SQLiteStore) SaveExtractionRecord(ctx context.Context, rec model.ExtractionRecord) (model.ExtractionRecord, error) {
	rec = rec.Normalized()
	if rec.SenderEmail == "" {
		return model.ExtractionRecord{}, errors.New("extraction record has no sender email")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return rec, &WriteError{Op: "save extraction record", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO extraction_records (sender_email, sender_name, last_extraction_date)
		VALUES (?, ?, ?)
		ON CONFLICT(sender_email) DO UPDATE SET
			sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE sender_name END,
			last_extraction_date = excluded.last_extraction_date`,
		rec.SenderEmail, rec.SenderName, rec.LastExtractionDate.UTC(),
	)
	if err != nil {
		return rec, &WriteError{Op: "save extraction record", Err: err}
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO extracted_emails (
			sender_email, message_key, subject, email_date,
			pdf_filename, extracted_text, page_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return rec, &WriteError{Op: "save extraction record", Err: err}
	}
	defer stmt.Close()

	for key, info := range rec.ExtractedEmails {
		_, err := stmt.ExecContext(ctx,
			rec.SenderEmail, key, info.Subject, info.Date.UTC(),
			info.PdfFilename, info.ExtractedText, info.PageCount,
		)
		if err != nil {
			return rec, &WriteError{Op: "save extracted email " + key, Err: err}
		}
	}

	merged, err := loadRecord(ctx, tx, rec.SenderEmail)
	if err != nil {
		return rec, &WriteError{Op: "reload extraction record", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return rec, &WriteError{Op: "commit extraction record", Err: err}
	}
	return *merged, nil
}

// GetExtractionHistory returns every record ordered by sender email.
func (s *SQLiteStore) GetExtractionHistory(ctx context.Context) ([]model.ExtractionRecord, error) {
	var senders []string
	err := s.db.SelectContext(ctx, &senders,
		"SELECT sender_email FROM extraction_records ORDER BY sender_email")
	if err != nil {
		return nil, fmt.Errorf("listing extraction records: %w", err)
	}

	out := make([]model.ExtractionRecord, 0, len(senders))
	for _, sender := range senders {
		rec, err := loadRecord(ctx, s.db, sender)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ClearAllData removes every password and record.
func (s *SQLiteStore) ClearAllData(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &WriteError{Op: "clear", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"extracted_emails", "extraction_records", "sender_passwords"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return &WriteError{Op: "clear " + table, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &WriteError{Op: "clear", Err: err}
	}
	return nil
}

func loadRecord(ctx context.Context, q sqlx.QueryerContext, senderEmail string) (*model.ExtractionRecord, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT sender_email, sender_name, last_extraction_date
		FROM extraction_records WHERE sender_email = ?`, senderEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting extraction record %s: %w", senderEmail, err)
	}

	var emails []emailRow
	err = sqlx.SelectContext(ctx, q, &emails, `
		SELECT message_key, subject, email_date, pdf_filename, extracted_text, page_count
		FROM extracted_emails WHERE sender_email = ?`, senderEmail)
	if err != nil {
		return nil, fmt.Errorf("getting extracted emails %s: %w", senderEmail, err)
	}

	rec := &model.ExtractionRecord{
		SenderEmail:        row.SenderEmail,
		SenderName:         row.SenderName,
		ExtractedEmails:    make(map[string]model.ExtractedEmailInfo, len(emails)),
		LastExtractionDate: row.LastExtractionDate,
		TotalPdfsExtracted: len(emails),
	}
	for _, e := range emails {
		rec.ExtractedEmails[e.MessageKey] = model.ExtractedEmailInfo{
			Subject:       e.Subject,
			Date:          e.EmailDate,
			PdfFilename:   e.PdfFilename,
			ExtractedText: e.ExtractedText,
			PageCount:     e.PageCount,
		}
	}
	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
