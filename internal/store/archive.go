package store

import (
	"database/sql"
	"time"

	"drcv/internal/model"
)

// Archive bookkeeping for completed uploads headed to object storage.

func FetchArchivable(db *sql.DB, limit int, now time.Time) ([]model.UploadRow, error) {
	rows, err := db.Query(`
SELECT `+uploadCols+`
FROM uploads
WHERE status = 'complete' AND archived_at IS NULL
  AND (archive_next_at IS NULL OR archive_next_at <= ?)
ORDER BY id
LIMIT ?
`, Stamp(now), limit)
	return scanUploads(rows, err)
}

// claim upload for archiving with lease; an expired lease frees the row
// so a crashed worker cannot pin it forever
func ClaimForArchive(db *sql.DB, uploadID int64, claimedBy string, lease time.Duration, now time.Time) (bool, error) {
	res, err := db.Exec(`
UPDATE uploads
SET claimed_by = ?, claim_until = ?
WHERE id = ? AND status = 'complete' AND archived_at IS NULL
  AND (claim_until IS NULL OR claim_until < ?)
`, claimedBy, Stamp(now.Add(lease)), uploadID, Stamp(now))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func MarkArchived(db *sql.DB, uploadID int64, now time.Time) error {
	ts := Stamp(now)
	_, err := db.Exec(`
UPDATE uploads
SET archived_at = ?, archive_error = '', claimed_by = '', claim_until = NULL, updated_at = ?
WHERE id = ?
`, ts, ts, uploadID)
	return err
}

func MarkArchiveFailed(db *sql.DB, uploadID int64, cause error, now time.Time) {
	var attempts int64
	_ = db.QueryRow(`SELECT archive_attempts FROM uploads WHERE id=?`, uploadID).Scan(&attempts)
	attempts++

	// exponential backoff
	delay := time.Second * time.Duration(1<<min64(attempts, 10))
	nextRun := Stamp(now.Add(delay))

	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}

	_, _ = db.Exec(`
UPDATE uploads
SET archive_attempts = ?, archive_error = ?, archive_next_at = ?, claimed_by = '', claim_until = NULL
WHERE id = ?
`, attempts, msg, nextRun, uploadID)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
