package capture

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vigilcam/vigil/internal/auth"
	"github.com/vigilcam/vigil/internal/device"
	"github.com/vigilcam/vigil/internal/httputil"
	"github.com/vigilcam/vigil/internal/validate"
)

type createSessionRequest struct {
	Label        string   `json:"label"`
	ChunkSeconds int      `json:"chunkSeconds"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

type createSessionResponse struct {
	ID           string `json:"id"`
	ChunkSeconds int    `json:"chunkSeconds"`
	NextSeq      int    `json:"nextSeq"`
}

type sessionItem struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	Status         string  `json:"status"`
	ChunkSeconds   int     `json:"chunkSeconds"`
	ChunksReceived int     `json:"chunksReceived"`
	ChunksUploaded int     `json:"chunksUploaded"`
	NextSeq        int     `json:"nextSeq"`
	Country        string  `json:"country,omitempty"`
	City           string  `json:"city,omitempty"`
	StartedAt      string  `json:"startedAt"`
	FinalizedAt    *string `json:"finalizedAt,omitempty"`
}

type chunkItem struct {
	ID              string `json:"id"`
	Seq             int    `json:"seq"`
	Status          string `json:"status"`
	SizeBytes       int64  `json:"sizeBytes"`
	DurationSeconds int    `json:"durationSeconds"`
	Attempts        int     `json:"attempts"`
	LastError       string  `json:"lastError,omitempty"`
	UploadedAt      *string `json:"uploadedAt,omitempty"`
}

type sessionDetailResponse struct {
	sessionItem
	Chunks []chunkItem `json:"chunks"`
}

// CreateSession starts a recording run for an authenticated capture
// device.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if msg := validate.SessionLabel(req.Label); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	chunkSeconds := req.ChunkSeconds
	if chunkSeconds == 0 {
		chunkSeconds = defaultChunkSeconds
	}
	if chunkSeconds < minChunkSeconds {
		chunkSeconds = minChunkSeconds
	}
	if chunkSeconds > maxChunkSeconds {
		chunkSeconds = maxChunkSeconds
	}

	ip := clientIP(r)
	var loc struct {
		country, city string
		lat, lng      *float64
	}
	if h.geo != nil {
		g := h.geo.Lookup(ip)
		loc.country, loc.city = g.Country, g.City
		if g.HasCoords {
			loc.lat, loc.lng = &g.Latitude, &g.Longitude
		}
	}
	// A GPS fix from the device beats the geoip centroid.
	if req.Latitude != nil && req.Longitude != nil {
		loc.lat, loc.lng = req.Latitude, req.Longitude
	}

	info := device.Parse(r.UserAgent())

	sessionID := uuid.NewString()
	var deviceKeyID any
	if id := auth.DeviceKeyIDFromContext(r.Context()); id != "" {
		deviceKeyID = id
	}

	_, err := h.db.Exec(r.Context(),
		`INSERT INTO sessions (id, device_key_id, label, chunk_seconds, latitude, longitude, client_ip, country, city, device_platform, device_browser, device_mobile)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sessionID, deviceKeyID, req.Label, chunkSeconds, loc.lat, loc.lng, ip,
		loc.country, loc.city, info.Platform, info.Browser, info.Mobile,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, createSessionResponse{
		ID:           sessionID,
		ChunkSeconds: chunkSeconds,
		NextSeq:      0,
	})
}

// FinalizeSession closes a recording run. Pending chunk uploads keep
// draining; only new ingests are refused.
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	tag, err := h.db.Exec(r.Context(),
		`UPDATE sessions SET status = 'finalized', finalized_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		sessionID,
	)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to finalize session")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "active session not found")
		return
	}

	if h.forgetter != nil {
		h.forgetter.ForgetSession(sessionID)
	}
	h.broadcast(sessionID, "session.finalized", map[string]any{"sessionId": sessionID})
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns recent sessions for the monitoring console.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	rows, err := h.db.Query(r.Context(),
		`SELECT id, label, status, chunk_seconds, chunks_received, chunks_uploaded, next_seq, country, city, started_at, finalized_at
		 FROM sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	defer rows.Close()

	items := make([]sessionItem, 0)
	for rows.Next() {
		item, err := scanSessionItem(rows.Scan)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan session")
			return
		}
		items = append(items, item)
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

// GetSession is the per-session status report: counters plus the state
// of every chunk.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	item, err := scanSessionItem(func(dest ...any) error {
		return h.db.QueryRow(r.Context(),
			`SELECT id, label, status, chunk_seconds, chunks_received, chunks_uploaded, next_seq, country, city, started_at, finalized_at
			 FROM sessions WHERE id = $1`, sessionID).Scan(dest...)
	})
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	rows, err := h.db.Query(r.Context(),
		`SELECT id, seq, status, size_bytes, duration_seconds, attempts, last_error, uploaded_at
		 FROM chunks WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load chunks")
		return
	}
	defer rows.Close()

	detail := sessionDetailResponse{sessionItem: item, Chunks: make([]chunkItem, 0)}
	for rows.Next() {
		var c chunkItem
		var uploadedAt *time.Time
		if err := rows.Scan(&c.ID, &c.Seq, &c.Status, &c.SizeBytes, &c.DurationSeconds, &c.Attempts, &c.LastError, &uploadedAt); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan chunk")
			return
		}
		if uploadedAt != nil {
			s := uploadedAt.UTC().Format(time.RFC3339)
			c.UploadedAt = &s
		}
		detail.Chunks = append(detail.Chunks, c)
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

// ChunkPlaybackURL hands the monitoring console a presigned GET for an
// uploaded chunk.
func (h *Handler) ChunkPlaybackURL(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid chunk sequence")
		return
	}

	var status, fileKey, contentType string
	err = h.db.QueryRow(r.Context(),
		`SELECT status, file_key, content_type FROM chunks WHERE session_id = $1 AND seq = $2`,
		sessionID, seq,
	).Scan(&status, &fileKey, &contentType)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "chunk not found")
		return
	}
	if status != "uploaded" && status != "analyzing" && status != "analyzed" {
		httputil.WriteError(w, http.StatusConflict, "chunk not yet uploaded")
		return
	}

	var url string
	if r.URL.Query().Get("download") == "true" {
		filename := sessionID + "-" + strconv.Itoa(seq) + extensionForContentType(contentType)
		url, err = h.storage.GenerateDownloadURLWithDisposition(r.Context(), fileKey, filename, playbackURLExpiry)
	} else {
		url, err = h.storage.GenerateDownloadURL(r.Context(), fileKey, playbackURLExpiry)
	}
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to generate playback URL")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"url":       url,
		"expiresIn": playbackURLExpiry.String(),
	})
}

func scanSessionItem(scan func(dest ...any) error) (sessionItem, error) {
	var item sessionItem
	var startedAt time.Time
	var finalizedAt *time.Time
	err := scan(&item.ID, &item.Label, &item.Status, &item.ChunkSeconds, &item.ChunksReceived,
		&item.ChunksUploaded, &item.NextSeq, &item.Country, &item.City, &startedAt, &finalizedAt)
	if err != nil {
		return sessionItem{}, err
	}
	item.StartedAt = startedAt.UTC().Format(time.RFC3339)
	if finalizedAt != nil {
		s := finalizedAt.UTC().Format(time.RFC3339)
		item.FinalizedAt = &s
	}
	return item, nil
}
