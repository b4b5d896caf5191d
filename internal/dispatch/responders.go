package dispatch

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/httputil"
)

// ResponderHandler is the operator-facing registry of people and
// systems that can be dispatched to.
type ResponderHandler struct {
	db database.DBTX
}

func NewResponderHandler(db database.DBTX) *ResponderHandler {
	return &ResponderHandler{db: db}
}

type responderRequest struct {
	Name          string  `json:"name"`
	Phone         string  `json:"phone"`
	Email         string  `json:"email"`
	WebhookURL    string  `json:"webhookUrl"`
	WebhookSecret string  `json:"webhookSecret"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
}

type responderItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Phone      string  `json:"phone,omitempty"`
	Email      string  `json:"email,omitempty"`
	WebhookURL string  `json:"webhookUrl,omitempty"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Active     bool    `json:"active"`
	CreatedAt  string  `json:"createdAt"`
}

func (req *responderRequest) validate() string {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return "name is required"
	}
	if len(req.Name) > 120 {
		return "name must be at most 120 characters"
	}
	if req.Phone == "" && req.Email == "" && req.WebhookURL == "" {
		return "at least one contact channel (phone, email or webhookUrl) is required"
	}
	if req.WebhookURL != "" && !strings.HasPrefix(req.WebhookURL, "https://") && !strings.HasPrefix(req.WebhookURL, "http://") {
		return "webhookUrl must be an http(s) URL"
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		return "latitude/longitude out of range"
	}
	return ""
}

func (h *ResponderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	var id string
	var createdAt time.Time
	err := h.db.QueryRow(r.Context(),
		`INSERT INTO responders (name, phone, email, webhook_url, webhook_secret, latitude, longitude)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		req.Name, req.Phone, req.Email, req.WebhookURL, req.WebhookSecret, req.Latitude, req.Longitude,
	).Scan(&id, &createdAt)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create responder")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, responderItem{
		ID:         id,
		Name:       req.Name,
		Phone:      req.Phone,
		Email:      req.Email,
		WebhookURL: req.WebhookURL,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Active:     true,
		CreatedAt:  createdAt.UTC().Format(time.RFC3339),
	})
}

func (h *ResponderHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.db.Query(r.Context(),
		`SELECT id, name, phone, email, webhook_url, latitude, longitude, active, created_at
		 FROM responders ORDER BY created_at ASC`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list responders")
		return
	}
	defer rows.Close()

	items := make([]responderItem, 0)
	for rows.Next() {
		var item responderItem
		var createdAt time.Time
		if err := rows.Scan(&item.ID, &item.Name, &item.Phone, &item.Email, &item.WebhookURL,
			&item.Latitude, &item.Longitude, &item.Active, &createdAt); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to scan responder")
			return
		}
		item.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		items = append(items, item)
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

// Deactivate takes a responder out of the dispatch rotation without
// losing its delivery history.
func (h *ResponderHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tag, err := h.db.Exec(r.Context(),
		`UPDATE responders SET active = false WHERE id = $1 AND active = true`, id)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to deactivate responder")
		return
	}
	if tag.RowsAffected() == 0 {
		httputil.WriteError(w, http.StatusNotFound, "responder not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
