package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drcv/internal/model"

	_ "modernc.org/sqlite"
)

// TimeLayout is fixed width UTC, so lexicographic comparison of stored
// stamps matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func Open(path string) (*sql.DB, error) {
	// pragmas ride the DSN so every pooled connection gets them
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	return sql.Open("sqlite", dsn)
}

const uploadCols = `id, filename, client, size, status, started_at, updated_at, completed_at, archived_at, archive_attempts, archive_error`

const selectOpen = `
SELECT id FROM uploads
WHERE filename = ? AND client = ? AND status != 'complete'
`

// ResolveUpload returns the open session for (filename, client), creating
// one when none exists. Completed sessions never match, so a finished name
// starts over under a fresh id.
func ResolveUpload(db *sql.DB, filename, client string, now time.Time) (int64, bool, error) {
	var id int64
	err := db.QueryRow(selectOpen, filename, client).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	ts := Stamp(now)
	res, err := db.Exec(`
INSERT INTO uploads (filename, client, size, status, started_at, updated_at)
VALUES (?, ?, 0, 'init', ?, ?)
`, filename, client, ts, ts)
	if err != nil {
		// a concurrent resolver can win the insert; ux_uploads_open rejects
		// the loser, which then adopts the surviving row
		var existing int64
		if selErr := db.QueryRow(selectOpen, filename, client).Scan(&existing); selErr == nil {
			return existing, false, nil
		}
		return 0, false, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AccumulateChunk folds accepted bytes into the session tally. Empty chunks
// never reach this, so a session only leaves init once data actually lands.
func AccumulateChunk(db *sql.DB, uploadID int64, delta int64, now time.Time) error {
	res, err := db.Exec(`
UPDATE uploads
SET size = size + ?, status = 'uploading', updated_at = ?
WHERE id = ? AND status != 'complete'
`, delta, Stamp(now), uploadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("accumulate chunk: upload=%d not open", uploadID)
	}
	return nil
}

// MarkComplete is guarded so completed_at is written exactly once.
func MarkComplete(db *sql.DB, uploadID int64, now time.Time) error {
	ts := Stamp(now)
	res, err := db.Exec(`
UPDATE uploads
SET status = 'complete', updated_at = ?, completed_at = ?
WHERE id = ? AND status != 'complete'
`, ts, ts, uploadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return fmt.Errorf("mark complete: upload=%d already complete", uploadID)
	}
	return nil
}

// ProbeSize reports bytes accumulated by the open session for
// (filename, client); no open session reads as zero.
func ProbeSize(db *sql.DB, filename, client string) (int64, error) {
	var size int64
	err := db.QueryRow(`
SELECT size FROM uploads
WHERE filename = ? AND client = ? AND status != 'complete'
`, filename, client).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return size, nil
}

func FetchStatus(db *sql.DB, uploadID int64) (model.UploadStatus, bool, error) {
	var s string
	err := db.QueryRow(`SELECT status FROM uploads WHERE id = ?`, uploadID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.UploadStatus(s), true, nil
}

func UpsertClient(db *sql.DB, identity, userAgent string, now time.Time) error {
	ts := Stamp(now)
	_, err := db.Exec(`
INSERT INTO clients (identity, user_agent, first_seen, last_seen, status)
VALUES (?, ?, ?, ?, 'connected')
ON CONFLICT(identity) DO UPDATE SET
  user_agent = excluded.user_agent,
  last_seen = excluded.last_seen,
  status = 'connected'
`, identity, userAgent, ts, ts)
	return err
}

// TouchUploading refreshes the liveness stamp of one actively uploading
// session. Rows that are init, disconnected, complete, or owned by another
// client are left alone; a heartbeat cannot revive or steal them.
func TouchUploading(db *sql.DB, uploadID int64, client string, now time.Time) (bool, error) {
	res, err := db.Exec(`
UPDATE uploads
SET updated_at = ?
WHERE id = ? AND client = ? AND status = 'uploading'
`, Stamp(now), uploadID, client)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type StaleUpload struct {
	ID       int64
	Filename string
	Client   string
}

// MarkStaleUploadsDisconnected demotes uploading sessions whose last update
// is strictly older than cutoff; a session touched exactly at the cutoff
// stays uploading. Returns the demoted rows so the caller can log each one.
func MarkStaleUploadsDisconnected(db *sql.DB, cutoff string, now time.Time) ([]StaleUpload, error) {
	rows, err := db.Query(`
SELECT id, filename, client FROM uploads
WHERE status = 'uploading' AND updated_at < ?
ORDER BY id
`, cutoff)
	if err != nil {
		return nil, err
	}
	var candidates []StaleUpload
	for rows.Next() {
		var s StaleUpload
		if err := rows.Scan(&s.ID, &s.Filename, &s.Client); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ts := Stamp(now)
	var out []StaleUpload
	for _, s := range candidates {
		// re-checked under the same cutoff in case a chunk landed since the select
		res, err := db.Exec(`
UPDATE uploads
SET status = 'disconnected', updated_at = ?
WHERE id = ? AND status = 'uploading' AND updated_at < ?
`, ts, s.ID, cutoff)
		if err != nil {
			return out, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out = append(out, s)
		}
	}
	return out, nil
}

func DeleteStaleClients(db *sql.DB, cutoff string) (int64, error) {
	res, err := db.Exec(`
DELETE FROM clients
WHERE status = 'connected' AND last_seen < ?
`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FetchUpdatedSince returns sessions whose updated_at is strictly after the
// watermark, oldest first.
func FetchUpdatedSince(db *sql.DB, watermark string) ([]model.UploadRow, error) {
	rows, err := db.Query(`
SELECT `+uploadCols+`
FROM uploads
WHERE updated_at > ?
ORDER BY updated_at ASC
`, watermark)
	return scanUploads(rows, err)
}

// FetchUploadPage lists sessions for the admin table, newest first. q
// filters by filename substring; page is 1-based.
func FetchUploadPage(db *sql.DB, q string, page, pageSize int) ([]model.UploadRow, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	if q != "" {
		rows, err := db.Query(`
SELECT `+uploadCols+`
FROM uploads
WHERE filename LIKE ?
ORDER BY id DESC
LIMIT ? OFFSET ?
`, "%"+q+"%", pageSize, offset)
		return scanUploads(rows, err)
	}
	rows, err := db.Query(`
SELECT `+uploadCols+`
FROM uploads
ORDER BY id DESC
LIMIT ? OFFSET ?
`, pageSize, offset)
	return scanUploads(rows, err)
}

func FetchClients(db *sql.DB) ([]model.ClientRow, error) {
	rows, err := db.Query(`
SELECT identity, user_agent, first_seen, last_seen, status
FROM clients
ORDER BY last_seen DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ClientRow
	for rows.Next() {
		var c model.ClientRow
		if err := rows.Scan(&c.Identity, &c.UserAgent, &c.FirstSeen, &c.LastSeen, &c.Status); err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

func KVGet(db *sql.DB, key string) (string, bool, error) {
	var v string
	err := db.QueryRow(`SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func KVSet(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
INSERT INTO kv (k, v) VALUES (?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v
`, key, value)
	return err
}

func scanUploads(rows *sql.Rows, err error) ([]model.UploadRow, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UploadRow
	for rows.Next() {
		var u model.UploadRow
		var statusStr string
		var completedAt, archivedAt sql.NullString
		if err := rows.Scan(
			&u.ID, &u.Filename, &u.Client, &u.Size, &statusStr, &u.StartedAt, &u.UpdatedAt, &completedAt, &archivedAt, &u.ArchiveAttempts, &u.ArchiveError,
		); err != nil {
			return nil, err
		}
		u.Status = model.UploadStatus(statusStr)
		u.CompletedAt = completedAt.String
		u.ArchivedAt = archivedAt.String
		out = append(out, u)
	}

	return out, rows.Err()
}
