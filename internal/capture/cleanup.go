package capture

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vigilcam/vigil/internal/database"
)

// MarkStaleSessions expires active sessions that stopped sending chunks
// without finalizing, so retention can eventually reclaim them.
func MarkStaleSessions(ctx context.Context, db database.DBTX, staleAfter time.Duration) {
	tag, err := db.Exec(ctx,
		`UPDATE sessions SET status = 'expired', updated_at = now()
		 WHERE status = 'active' AND updated_at < now() - $1::interval`,
		staleAfter.String(),
	)
	if err != nil {
		slog.Error("cleanup: failed to expire stale sessions", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		slog.Info("cleanup: expired stale sessions", "count", tag.RowsAffected())
	}
}

// PurgeExpiredSessions deletes cloud objects, local files and rows for
// finished sessions past the retention window. Sessions are processed
// in small batches per pass.
func PurgeExpiredSessions(ctx context.Context, db database.DBTX, storage ObjectStorage, retention time.Duration) {
	rows, err := db.Query(ctx,
		`SELECT id FROM sessions
		 WHERE status IN ('finalized', 'expired')
		   AND COALESCE(finalized_at, updated_at) < now() - $1::interval
		 LIMIT 20`,
		retention.String(),
	)
	if err != nil {
		slog.Error("cleanup: failed to query expired sessions", "error", err)
		return
	}
	defer rows.Close()

	var sessionIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("cleanup: failed to scan session", "error", err)
			continue
		}
		sessionIDs = append(sessionIDs, id)
	}
	if err := rows.Err(); err != nil {
		slog.Error("cleanup: row iteration error", "error", err)
	}

	for _, id := range sessionIDs {
		purgeSession(ctx, db, storage, id)
	}
}

func purgeSession(ctx context.Context, db database.DBTX, storage ObjectStorage, sessionID string) {
	rows, err := db.Query(ctx,
		`SELECT file_key, local_path FROM chunks WHERE session_id = $1`, sessionID)
	if err != nil {
		slog.Error("cleanup: failed to query chunks", "session_id", sessionID, "error", err)
		return
	}
	defer rows.Close()

	type chunkRefs struct{ fileKey, localPath string }
	var refs []chunkRefs
	for rows.Next() {
		var c chunkRefs
		if err := rows.Scan(&c.fileKey, &c.localPath); err != nil {
			slog.Error("cleanup: failed to scan chunk", "error", err)
			continue
		}
		refs = append(refs, c)
	}

	for _, c := range refs {
		if c.fileKey != "" {
			if err := deleteWithRetry(ctx, storage, c.fileKey, 3); err != nil {
				slog.Error("cleanup: failed to delete object, keeping session", "key", c.fileKey, "error", err)
				return
			}
		}
		if c.localPath != "" {
			if err := os.Remove(c.localPath); err != nil && !os.IsNotExist(err) {
				slog.Error("cleanup: failed to remove local chunk", "path", c.localPath, "error", err)
			}
		}
	}

	if _, err := db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		slog.Error("cleanup: failed to delete session", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("cleanup: purged session", "session_id", sessionID, "chunks", len(refs))
}

// PurgeOrphanedSpoolFiles removes spool leftovers from crashed ingests.
// Anything still named *.part after an hour was never committed.
func PurgeOrphanedSpoolFiles(spoolDir string, olderThan time.Duration) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-olderThan)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(spoolDir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Error("cleanup: failed to remove spool file", "path", path, "error", err)
		} else {
			slog.Info("cleanup: removed orphaned spool file", "path", path)
		}
	}
}

// StartCleanupLoop runs the retention passes on a timer.
func StartCleanupLoop(ctx context.Context, db database.DBTX, storage ObjectStorage, spoolDir string, interval, staleAfter, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("cleanup: shutting down")
				return
			case <-ticker.C:
				MarkStaleSessions(ctx, db, staleAfter)
				PurgeExpiredSessions(ctx, db, storage, retention)
				PurgeOrphanedSpoolFiles(spoolDir, time.Hour)
			}
		}
	}()
}
