package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sender_passwords (
	sender_email TEXT PRIMARY KEY,
	password     TEXT NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_records (
	sender_email         TEXT PRIMARY KEY,
	sender_name          TEXT NOT NULL DEFAULT '',
	last_extraction_date DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extracted_emails (
	sender_email   TEXT NOT NULL REFERENCES extraction_records(sender_email) ON DELETE CASCADE,
	message_key    TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	email_date     DATETIME NOT NULL,
	pdf_filename   TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	page_count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (sender_email, message_key)
);

CREATE INDEX IF NOT EXISTS idx_extracted_emails_sender ON extracted_emails(sender_email);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
