package capture

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/geoip"
)

// ObjectStorage is what the chunk pipeline needs from the storage
// layer.
type ObjectStorage interface {
	UploadFile(ctx context.Context, key string, filePath string, contentType string) error
	HeadObject(ctx context.Context, key string) (int64, string, error)
	GenerateDownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GenerateDownloadURLWithDisposition(ctx context.Context, key string, filename string, expiry time.Duration) (string, error)
	DeleteObject(ctx context.Context, key string) error
	CloudURI(key string) string
}

// Broadcaster relays pipeline events to monitoring clients.
type Broadcaster interface {
	BroadcastSession(sessionID string, eventType string, data map[string]any)
}

// SessionForgetter lets the handler drop per-session scoring state when
// a session is finalized.
type SessionForgetter interface {
	ForgetSession(sessionID string)
}

const (
	minChunkSeconds     = 10
	maxChunkSeconds     = 600
	defaultChunkSeconds = 300

	// seqWindow bounds how far ahead of the accepted sequence a chunk
	// may arrive. The client uploads segment N while N+1 records, so a
	// small window covers reordering without letting a broken client
	// scatter rows across the keyspace.
	seqWindow = 16

	playbackURLExpiry = 15 * time.Minute
)

type Handler struct {
	db            database.DBTX
	storage       ObjectStorage
	spoolDir      string
	archiveDir    string
	maxChunkBytes int64
	geo           *geoip.Resolver
	hub           Broadcaster
	forgetter     SessionForgetter
}

func NewHandler(db database.DBTX, storage ObjectStorage, spoolDir, archiveDir string, maxChunkBytes int64) *Handler {
	return &Handler{
		db:            db,
		storage:       storage,
		spoolDir:      spoolDir,
		archiveDir:    archiveDir,
		maxChunkBytes: maxChunkBytes,
	}
}

func (h *Handler) SetGeoResolver(r *geoip.Resolver) {
	h.geo = r
}

func (h *Handler) SetBroadcaster(b Broadcaster) {
	h.hub = b
}

func (h *Handler) SetSessionForgetter(f SessionForgetter) {
	h.forgetter = f
}

func (h *Handler) broadcast(sessionID, eventType string, data map[string]any) {
	if h.hub != nil {
		h.hub.BroadcastSession(sessionID, eventType, data)
	}
}

func extensionForContentType(ct string) string {
	switch ct {
	case "video/quicktime":
		return ".mov"
	case "video/webm":
		return ".webm"
	default:
		return ".mp4"
	}
}

// chunkFileKey is the permanent object key for an uploaded chunk.
func chunkFileKey(sessionID string, seq int, contentType string) string {
	return fmt.Sprintf("chunks/%s/%06d%s", sessionID, seq, extensionForContentType(contentType))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, ok := strings.Cut(forwarded, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	return r.RemoteAddr
}

func deleteWithRetry(ctx context.Context, storage ObjectStorage, key string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = storage.DeleteObject(ctx, key)
		if lastErr == nil {
			return nil
		}
		slog.Error("storage: delete attempt failed", "attempt", attempt+1, "max_attempts", maxAttempts, "key", key, "error", lastErr)
	}
	return fmt.Errorf("all %d delete attempts failed for %s: %w", maxAttempts, key, lastErr)
}
