package store

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClaimForArchiveLease(t *testing.T) {
	db := openTestDB(t)

	id, _, _ := ResolveUpload(db, "a.bin", "c1", base)
	_ = AccumulateChunk(db, id, 10, base)
	_ = MarkComplete(db, id, base.Add(time.Second))

	now := base.Add(2 * time.Second)
	ok, err := ClaimForArchive(db, id, "drcv-1-0", 2*time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	ok, err = ClaimForArchive(db, id, "drcv-1-1", 2*time.Minute, now.Add(time.Second))
	if err != nil || ok {
		t.Fatalf("claim during lease should fail: ok=%v err=%v", ok, err)
	}

	// lease expired, another worker may take over
	ok, err = ClaimForArchive(db, id, "drcv-1-1", 2*time.Minute, now.Add(3*time.Minute))
	if err != nil || !ok {
		t.Fatalf("claim after lease expiry: ok=%v err=%v", ok, err)
	}
}

func TestClaimForArchiveOnlyComplete(t *testing.T) {
	db := openTestDB(t)

	id, _, _ := ResolveUpload(db, "a.bin", "c1", base)
	_ = AccumulateChunk(db, id, 10, base)

	ok, err := ClaimForArchive(db, id, "drcv-1-0", time.Minute, base.Add(time.Second))
	if err != nil || ok {
		t.Fatalf("claimed an unfinished upload: ok=%v err=%v", ok, err)
	}
}

func TestMarkArchived(t *testing.T) {
	db := openTestDB(t)

	id, _, _ := ResolveUpload(db, "a.bin", "c1", base)
	_ = AccumulateChunk(db, id, 10, base)
	_ = MarkComplete(db, id, base.Add(time.Second))

	rows, err := FetchArchivable(db, 10, base.Add(2*time.Second))
	if err != nil || len(rows) != 1 {
		t.Fatalf("archivable before: rows=%v err=%v", rows, err)
	}

	if err := MarkArchived(db, id, base.Add(3*time.Second)); err != nil {
		t.Fatalf("mark archived: %v", err)
	}

	rows, err = FetchArchivable(db, 10, base.Add(4*time.Second))
	if err != nil || len(rows) != 0 {
		t.Fatalf("archivable after: rows=%v err=%v", rows, err)
	}
	row := getUpload(t, db, id)
	if row.ArchivedAt != Stamp(base.Add(3*time.Second)) {
		t.Fatalf("archived_at = %q", row.ArchivedAt)
	}
}

func TestMarkArchiveFailedBackoff(t *testing.T) {
	db := openTestDB(t)

	id, _, _ := ResolveUpload(db, "a.bin", "c1", base)
	_ = AccumulateChunk(db, id, 10, base)
	_ = MarkComplete(db, id, base.Add(time.Second))

	now := base.Add(2 * time.Second)
	MarkArchiveFailed(db, id, errors.New("gcs: connection reset"), now)

	row := getUpload(t, db, id)
	if row.ArchiveAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", row.ArchiveAttempts)
	}
	if row.ArchiveError != "gcs: connection reset" {
		t.Fatalf("archive_error = %q", row.ArchiveError)
	}

	// backed off: not runnable immediately, runnable once the delay passes
	rows, _ := FetchArchivable(db, 10, now.Add(time.Second))
	if len(rows) != 0 {
		t.Fatalf("failed row runnable too soon: %v", rows)
	}
	rows, _ = FetchArchivable(db, 10, now.Add(time.Hour))
	if len(rows) != 1 {
		t.Fatalf("failed row never came back: %v", rows)
	}

	// the claim was released with the failure
	ok, err := ClaimForArchive(db, id, "drcv-1-0", time.Minute, now.Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("reclaim after failure: ok=%v err=%v", ok, err)
	}
}

func TestMarkArchiveFailedTruncatesMessage(t *testing.T) {
	db := openTestDB(t)

	id, _, _ := ResolveUpload(db, "a.bin", "c1", base)
	_ = AccumulateChunk(db, id, 10, base)
	_ = MarkComplete(db, id, base.Add(time.Second))

	MarkArchiveFailed(db, id, errors.New(strings.Repeat("x", 600)), base.Add(2*time.Second))

	row := getUpload(t, db, id)
	if len(row.ArchiveError) != 500 {
		t.Fatalf("archive_error length = %d, want 500", len(row.ArchiveError))
	}
}
