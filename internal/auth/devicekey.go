package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/httputil"
	"github.com/vigilcam/vigil/internal/validate"
)

const (
	deviceKeyPrefix    = "vg_"
	deviceKeyRandBytes = 32
	maxDeviceKeys      = 50
)

const deviceKeyIDKey contextKey = "deviceKeyID"

type createDeviceKeyRequest struct {
	Name string `json:"name"`
}

type createDeviceKeyResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

type deviceKeyItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CreatedAt  string  `json:"createdAt"`
	LastUsedAt *string `json:"lastUsedAt"`
}

func generateDeviceKeyString() (string, error) {
	b := make([]byte, deviceKeyRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return deviceKeyPrefix + hex.EncodeToString(b), nil
}

// HashDeviceKey returns the stored form of a device key. Only the hash
// ever touches the database.
func HashDeviceKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// CreateDeviceKey provisions a key for a capture device. The plaintext
// key is returned exactly once.
func CreateDeviceKey(db database.DBTX) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDeviceKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if msg := validate.DeviceKeyName(req.Name); msg != "" {
			httputil.WriteError(w, http.StatusBadRequest, msg)
			return
		}

		var count int
		if err := db.QueryRow(r.Context(),
			"SELECT COUNT(*) FROM device_keys WHERE revoked = false",
		).Scan(&count); err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to check key count")
			return
		}
		if count >= maxDeviceKeys {
			httputil.WriteError(w, http.StatusBadRequest, "maximum number of device keys reached")
			return
		}

		plaintext, err := generateDeviceKeyString()
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to generate device key")
			return
		}

		var id string
		var createdAt time.Time
		err = db.QueryRow(r.Context(),
			"INSERT INTO device_keys (key_hash, name) VALUES ($1, $2) RETURNING id, created_at",
			HashDeviceKey(plaintext), strings.TrimSpace(req.Name),
		).Scan(&id, &createdAt)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to store device key")
			return
		}

		httputil.WriteJSON(w, http.StatusCreated, createDeviceKeyResponse{
			ID:        id,
			Key:       plaintext,
			Name:      strings.TrimSpace(req.Name),
			CreatedAt: createdAt.UTC().Format(time.RFC3339),
		})
	}
}

func ListDeviceKeys(db database.DBTX) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.Query(r.Context(),
			`SELECT id, name, created_at, last_used_at FROM device_keys
			 WHERE revoked = false ORDER BY created_at DESC`)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list device keys")
			return
		}
		defer rows.Close()

		items := make([]deviceKeyItem, 0)
		for rows.Next() {
			var item deviceKeyItem
			var createdAt time.Time
			var lastUsedAt *time.Time
			if err := rows.Scan(&item.ID, &item.Name, &createdAt, &lastUsedAt); err != nil {
				httputil.WriteError(w, http.StatusInternalServerError, "failed to scan device key")
				return
			}
			item.CreatedAt = createdAt.UTC().Format(time.RFC3339)
			if lastUsedAt != nil {
				s := lastUsedAt.UTC().Format(time.RFC3339)
				item.LastUsedAt = &s
			}
			items = append(items, item)
		}
		httputil.WriteJSON(w, http.StatusOK, items)
	}
}

func RevokeDeviceKey(db database.DBTX) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		tag, err := db.Exec(r.Context(),
			"UPDATE device_keys SET revoked = true WHERE id = $1 AND revoked = false", id)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to revoke device key")
			return
		}
		if tag.RowsAffected() == 0 {
			httputil.WriteError(w, http.StatusNotFound, "device key not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeviceMiddleware authenticates capture devices by their vg_ key,
// presented either as a Bearer token or in X-Device-Key.
func DeviceMiddleware(db database.DBTX) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Device-Key")
			if key == "" {
				if bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
					key = bearer
				}
			}
			if !strings.HasPrefix(key, deviceKeyPrefix) {
				httputil.WriteError(w, http.StatusUnauthorized, "device key required")
				return
			}

			var id string
			err := db.QueryRow(r.Context(),
				"SELECT id FROM device_keys WHERE key_hash = $1 AND revoked = false",
				HashDeviceKey(key),
			).Scan(&id)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid device key")
				return
			}

			if _, err := db.Exec(r.Context(),
				"UPDATE device_keys SET last_used_at = now() WHERE id = $1", id); err != nil {
				slog.Error("auth: failed to touch device key", "id", id, "error", err)
			}

			ctx := context.WithValue(r.Context(), deviceKeyIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func DeviceKeyIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceKeyIDKey).(string)
	return id
}
