package capture

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vigilcam/vigil/internal/httputil"
	"github.com/vigilcam/vigil/internal/validate"
)

type ingestResponse struct {
	ID      string `json:"id"`
	Seq     int    `json:"seq"`
	Status  string `json:"status"`
	NextSeq int    `json:"nextSeq"`
}

// IngestChunk accepts one recorded segment as multipart/form-data:
// fields "seq" and "duration" plus the file part "chunk". The file is
// spooled to a temp file, fsynced, renamed into the archive dir and
// registered for cloud upload. Replaying an already-accepted seq is
// idempotent and returns the existing chunk.
func (h *Handler) IngestChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var status string
	var nextSeq int
	err := h.db.QueryRow(r.Context(),
		`SELECT status, next_seq FROM sessions WHERE id = $1`, sessionID,
	).Scan(&status, &nextSeq)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if status != "active" {
		httputil.WriteError(w, http.StatusConflict, "session is not accepting chunks")
		return
	}

	if h.maxChunkBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes+64*1024)
	}

	seq, err := strconv.Atoi(r.FormValue("seq"))
	if err != nil || seq < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "seq must be a non-negative integer")
		return
	}
	if seq >= nextSeq+seqWindow {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("seq %d is too far ahead (next expected %d)", seq, nextSeq))
		return
	}

	duration, _ := strconv.Atoi(r.FormValue("duration"))
	if duration < 0 {
		duration = 0
	}

	// Idempotent replay: the mobile client re-sends a chunk when it
	// never saw the response.
	var existingID, existingStatus string
	err = h.db.QueryRow(r.Context(),
		`SELECT id, status FROM chunks WHERE session_id = $1 AND seq = $2`,
		sessionID, seq,
	).Scan(&existingID, &existingStatus)
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, ingestResponse{
			ID: existingID, Seq: seq, Status: existingStatus, NextSeq: nextSeq,
		})
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "chunk file part is required")
		return
	}
	defer func() { _ = file.Close() }()

	if h.maxChunkBytes > 0 && header.Size > h.maxChunkBytes {
		httputil.WriteError(w, http.StatusBadRequest, "chunk too large")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	if !validate.ContentType(contentType) {
		httputil.WriteError(w, http.StatusBadRequest, "unsupported chunk content type")
		return
	}

	localPath, size, err := h.spoolToArchive(sessionID, seq, contentType, file)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to store chunk")
		return
	}

	chunkID := uuid.NewString()
	_, err = h.db.Exec(r.Context(),
		`INSERT INTO chunks (id, session_id, seq, status, local_path, size_bytes, duration_seconds, content_type)
		 VALUES ($1, $2, $3, 'stored', $4, $5, $6, $7)`,
		chunkID, sessionID, seq, localPath, size, duration, contentType,
	)
	if err != nil {
		_ = os.Remove(localPath)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race with a concurrent replay of the same seq:
			// answer with the row that won, same as a plain replay.
			var winnerID, winnerStatus string
			if qErr := h.db.QueryRow(r.Context(),
				`SELECT id, status FROM chunks WHERE session_id = $1 AND seq = $2`,
				sessionID, seq,
			).Scan(&winnerID, &winnerStatus); qErr != nil {
				httputil.WriteError(w, http.StatusInternalServerError, "failed to register chunk")
				return
			}
			httputil.WriteJSON(w, http.StatusOK, ingestResponse{
				ID: winnerID, Seq: seq, Status: winnerStatus, NextSeq: nextSeq,
			})
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to register chunk")
		return
	}

	newNext := nextSeq
	if seq+1 > newNext {
		newNext = seq + 1
	}
	if _, err := h.db.Exec(r.Context(),
		`UPDATE sessions SET chunks_received = chunks_received + 1, next_seq = GREATEST(next_seq, $2), updated_at = now()
		 WHERE id = $1`,
		sessionID, newNext,
	); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update session counters")
		return
	}

	h.broadcast(sessionID, "chunk.stored", map[string]any{
		"chunkId":   chunkID,
		"seq":       seq,
		"sizeBytes": size,
	})

	httputil.WriteJSON(w, http.StatusCreated, ingestResponse{
		ID: chunkID, Seq: seq, Status: "stored", NextSeq: newNext,
	})
}

// spoolToArchive streams the upload to a temp file and renames it into
// the per-session archive directory. The rename is the commit point: a
// crash before it leaves only a spool file for the cleanup loop.
func (h *Handler) spoolToArchive(sessionID string, seq int, contentType string, src io.Reader) (string, int64, error) {
	if err := os.MkdirAll(h.spoolDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create spool dir: %w", err)
	}
	sessionDir := filepath.Join(h.archiveDir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create archive dir: %w", err)
	}

	tmp, err := os.CreateTemp(h.spoolDir, "chunk-*.part")
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, src)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("sync spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close spool file: %w", err)
	}

	finalPath := filepath.Join(sessionDir, fmt.Sprintf("%06d%s", seq, extensionForContentType(contentType)))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("archive spool file: %w", err)
	}
	return finalPath, size, nil
}
