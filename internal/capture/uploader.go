package capture

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/vigilcam/vigil/internal/database"
)

const (
	defaultMaxUploadAttempts = 5
	defaultBackoffBase       = 2 * time.Second
	maxBackoff               = 10 * time.Minute
	uploadStuckAfter         = 10 * time.Minute
)

// Uploader drains stored chunks to object storage. Retry state lives in
// the chunks table (attempts, next_attempt_at) so backoff survives
// restarts and multiple replicas can run the loop concurrently.
type Uploader struct {
	db          database.DBTX
	storage     ObjectStorage
	hub         Broadcaster
	maxAttempts int
	backoffBase time.Duration
}

func NewUploader(db database.DBTX, storage ObjectStorage, hub Broadcaster) *Uploader {
	return &Uploader{
		db:          db,
		storage:     storage,
		hub:         hub,
		maxAttempts: defaultMaxUploadAttempts,
		backoffBase: defaultBackoffBase,
	}
}

// SetRetryPolicy overrides attempts and backoff base; tests shrink both.
func (u *Uploader) SetRetryPolicy(maxAttempts int, backoffBase time.Duration) {
	u.maxAttempts = maxAttempts
	u.backoffBase = backoffBase
}

func (u *Uploader) Start(ctx context.Context, interval time.Duration) {
	go func() {
		log.Println("upload-worker: started")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("upload-worker: shutting down")
				return
			case <-ticker.C:
				u.processNext(ctx)
			}
		}
	}()
}

func (u *Uploader) processNext(ctx context.Context) {
	// Requeue uploads orphaned by a crash mid-transfer.
	if _, err := u.db.Exec(ctx,
		`UPDATE chunks SET status = 'stored', upload_started_at = NULL, updated_at = now()
		 WHERE status = 'uploading' AND upload_started_at < now() - $1::interval`,
		uploadStuckAfter.String(),
	); err != nil {
		log.Printf("upload-worker: failed to reset stuck uploads: %v", err)
	}

	var chunkID, sessionID, localPath, contentType string
	var seq, attempts int
	err := u.db.QueryRow(ctx,
		`UPDATE chunks SET status = 'uploading', upload_started_at = now(), updated_at = now()
		 WHERE id = (
		     SELECT id FROM chunks
		     WHERE status = 'stored' AND next_attempt_at <= now()
		     ORDER BY created_at ASC LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, session_id, seq, local_path, content_type, attempts`,
	).Scan(&chunkID, &sessionID, &seq, &localPath, &contentType, &attempts)
	if err != nil {
		return // nothing claimable or error
	}

	u.uploadChunk(ctx, chunkID, sessionID, seq, localPath, contentType, attempts)
}

func (u *Uploader) uploadChunk(ctx context.Context, chunkID, sessionID string, seq int, localPath, contentType string, attempts int) {
	fileKey := chunkFileKey(sessionID, seq, contentType)

	if err := u.storage.UploadFile(ctx, fileKey, localPath, contentType); err != nil {
		u.recordFailure(ctx, chunkID, attempts, err)
		return
	}

	// The object must be readable and whole before the local copy goes.
	if info, statErr := os.Stat(localPath); statErr == nil {
		if size, _, headErr := u.storage.HeadObject(ctx, fileKey); headErr != nil || size != info.Size() {
			if headErr == nil {
				headErr = errShortObject{expected: info.Size(), got: size}
			}
			u.recordFailure(ctx, chunkID, attempts, headErr)
			return
		}
	}

	if _, err := u.db.Exec(ctx,
		`UPDATE chunks SET status = 'uploaded', file_key = $2, uploaded_at = now(), last_error = '', updated_at = now()
		 WHERE id = $1`,
		chunkID, fileKey,
	); err != nil {
		slog.Error("upload-worker: failed to mark chunk uploaded", "chunk_id", chunkID, "error", err)
		return
	}
	if _, err := u.db.Exec(ctx,
		`UPDATE sessions SET chunks_uploaded = chunks_uploaded + 1, updated_at = now() WHERE id = $1`,
		sessionID,
	); err != nil {
		slog.Error("upload-worker: failed to bump session counter", "session_id", sessionID, "error", err)
	}

	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		slog.Error("upload-worker: failed to remove local chunk", "path", localPath, "error", err)
	}

	slog.Info("upload-worker: chunk uploaded", "chunk_id", chunkID, "session_id", sessionID, "seq", seq, "key", fileKey)
	if u.hub != nil {
		u.hub.BroadcastSession(sessionID, "chunk.uploaded", map[string]any{
			"chunkId": chunkID,
			"seq":     seq,
			"fileKey": fileKey,
		})
	}
}

func (u *Uploader) recordFailure(ctx context.Context, chunkID string, attempts int, cause error) {
	attempts++
	if attempts >= u.maxAttempts {
		slog.Error("upload-worker: chunk failed permanently", "chunk_id", chunkID, "attempts", attempts, "error", cause)
		if _, err := u.db.Exec(ctx,
			`UPDATE chunks SET status = 'failed', attempts = $2, last_error = $3, updated_at = now() WHERE id = $1`,
			chunkID, attempts, cause.Error(),
		); err != nil {
			slog.Error("upload-worker: failed to mark chunk failed", "chunk_id", chunkID, "error", err)
		}
		return
	}

	delay := backoffDelay(u.backoffBase, attempts)
	slog.Warn("upload-worker: upload attempt failed, will retry", "chunk_id", chunkID, "attempt", attempts, "retry_in", delay, "error", cause)
	if _, err := u.db.Exec(ctx,
		`UPDATE chunks SET status = 'stored', attempts = $2, next_attempt_at = now() + $3::interval, last_error = $4, upload_started_at = NULL, updated_at = now()
		 WHERE id = $1`,
		chunkID, attempts, delay.String(), cause.Error(),
	); err != nil {
		slog.Error("upload-worker: failed to schedule retry", "chunk_id", chunkID, "error", err)
	}
}

// backoffDelay is base * 2^(attempt-1) capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

type errShortObject struct {
	expected, got int64
}

func (e errShortObject) Error() string {
	return "uploaded object size mismatch"
}
