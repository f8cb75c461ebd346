package store

import "database/sql"

func Init(db *sql.DB) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS uploads (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL,
	client TEXT NOT NULL,

	size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'init',
	started_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT, -- ISO8601; null until complete

	archived_at TEXT,
	archive_attempts INTEGER NOT NULL DEFAULT 0,
	archive_error TEXT NOT NULL DEFAULT '',
	archive_next_at TEXT, -- ISO8601; null means now
	claimed_by TEXT NOT NULL DEFAULT '',
	claim_until TEXT -- ISO8601
);
`,
		// at most one open session per (filename, client); completed rows
		// fall out of the index so the name can be reused
		`
CREATE UNIQUE INDEX IF NOT EXISTS ux_uploads_open
ON uploads(filename, client) WHERE status != 'complete';
`,
		`CREATE INDEX IF NOT EXISTS ix_uploads_updated ON uploads(updated_at);`,
		`
CREATE TABLE IF NOT EXISTS clients (
  identity TEXT PRIMARY KEY,
	user_agent TEXT NOT NULL DEFAULT '',
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'connected'
);
`,
		`
CREATE TABLE IF NOT EXISTS kv (
  k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}

	return nil
}
