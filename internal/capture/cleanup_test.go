package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func TestMarkStaleSessions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`UPDATE sessions SET status = 'expired'`).
		WithArgs("30m0s").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	MarkStaleSessions(context.Background(), mock, 30*time.Minute)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurgeExpiredSessions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	defer mock.Close()
	store := newMockStorage()

	localPath := filepath.Join(t.TempDir(), "000000.mp4")
	if err := os.WriteFile(localPath, []byte("old segment"), 0o644); err != nil {
		t.Fatalf("write local chunk: %v", err)
	}

	mock.ExpectQuery(`SELECT id FROM sessions`).
		WithArgs("168h0m0s").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("sess-1"))
	mock.ExpectQuery(`SELECT file_key, local_path FROM chunks`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"file_key", "local_path"}).
			AddRow("chunks/sess-1/000000.mp4", localPath).
			AddRow("", "")) // never-uploaded chunk with no local file left
	mock.ExpectExec(`DELETE FROM sessions`).
		WithArgs("sess-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	PurgeExpiredSessions(context.Background(), mock, store, 7*24*time.Hour)

	if len(store.deleted) != 1 || store.deleted[0] != "chunks/sess-1/000000.mp4" {
		t.Fatalf("unexpected object deletes: %v", store.deleted)
	}
	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Fatal("expected local chunk to be removed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurgeExpiredSessions_KeepsSessionOnDeleteFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	defer mock.Close()
	store := newMockStorage()
	store.deleteErr = os.ErrPermission

	mock.ExpectQuery(`SELECT id FROM sessions`).
		WithArgs("168h0m0s").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("sess-1"))
	mock.ExpectQuery(`SELECT file_key, local_path FROM chunks`).
		WithArgs("sess-1").
		WillReturnRows(pgxmock.NewRows([]string{"file_key", "local_path"}).
			AddRow("chunks/sess-1/000000.mp4", ""))
	// No DELETE FROM sessions: the session row must survive.

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	PurgeExpiredSessions(ctx, mock, store, 7*24*time.Hour)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurgeOrphanedSpoolFiles(t *testing.T) {
	spoolDir := t.TempDir()

	stale := filepath.Join(spoolDir, "chunk-123.part")
	if err := os.WriteFile(stale, []byte("half-written"), 0o644); err != nil {
		t.Fatalf("write stale spool file: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("age spool file: %v", err)
	}

	fresh := filepath.Join(spoolDir, "chunk-456.part")
	if err := os.WriteFile(fresh, []byte("in flight"), 0o644); err != nil {
		t.Fatalf("write fresh spool file: %v", err)
	}
	other := filepath.Join(spoolDir, "notes.txt")
	if err := os.WriteFile(other, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}

	PurgeOrphanedSpoolFiles(spoolDir, time.Hour)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected stale spool file to be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh spool file must be kept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatal("non-spool file must be kept")
	}
}
