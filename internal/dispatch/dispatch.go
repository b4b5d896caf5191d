package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/vigilcam/vigil/internal/analysis"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/email"
)

const (
	defaultMaxResponders = 3
	maxResponseBodyBytes = 1024
)

// Event is the JSON payload pushed to responder webhooks.
type Event struct {
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type responder struct {
	id            string
	name          string
	phone         string
	email         string
	webhookURL    string
	webhookSecret string
	lat, lng      float64

	travelSeconds int
	distanceKm    float64
}

// Dispatcher fans a raised alert out to the nearest active responders
// over SMS, email and webhook. Channels are isolated: one failing
// channel never blocks the rest, and every attempt lands in
// dispatch_deliveries.
type Dispatcher struct {
	db    database.DBTX
	email *email.Client
	sms   *SMSClient
	maps  *MapsClient

	http          *http.Client
	retryDelays   []time.Duration
	maxResponders int
}

func New(db database.DBTX, emailClient *email.Client, sms *SMSClient, maps *MapsClient) *Dispatcher {
	return &Dispatcher{
		db:            db,
		email:         emailClient,
		sms:           sms,
		maps:          maps,
		http:          &http.Client{Timeout: 10 * time.Second},
		retryDelays:   []time.Duration{1 * time.Second, 4 * time.Second},
		maxResponders: defaultMaxResponders,
	}
}

// SetRetryDelays overrides the per-delivery retry schedule; tests
// shrink it.
func (d *Dispatcher) SetRetryDelays(delays []time.Duration) {
	d.retryDelays = delays
}

func (d *Dispatcher) SetMaxResponders(n int) {
	if n > 0 {
		d.maxResponders = n
	}
}

// SignPayload computes HMAC-SHA256 of the payload using the secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// DispatchAlert runs the full emergency sequence for one alert. It
// returns an error only when no channel of any selected responder got
// through.
func (d *Dispatcher) DispatchAlert(ctx context.Context, alert analysis.Alert) error {
	var label string
	var lat, lng *float64
	err := d.db.QueryRow(ctx,
		`SELECT label, latitude, longitude FROM sessions WHERE id = $1`, alert.SessionID,
	).Scan(&label, &lat, &lng)
	if err != nil {
		return fmt.Errorf("load alert session: %w", err)
	}

	responders, err := d.loadResponders(ctx)
	if err != nil {
		return err
	}
	if len(responders) == 0 {
		slog.Warn("dispatch: no active responders registered", "alert_id", alert.ID)
		return fmt.Errorf("no active responders")
	}

	if lat != nil && lng != nil {
		d.rankResponders(ctx, responders, *lat, *lng)
	}
	if len(responders) > d.maxResponders {
		responders = responders[:d.maxResponders]
	}

	mapURL := ""
	if lat != nil && lng != nil {
		mapURL = MapURL(*lat, *lng)
	}

	delivered := false
	for _, r := range responders {
		if d.notifyResponder(ctx, alert, label, mapURL, lat, lng, r) {
			delivered = true
		}
	}
	if !delivered {
		return fmt.Errorf("alert %s: all dispatch channels failed", alert.ID)
	}
	return nil
}

func (d *Dispatcher) loadResponders(ctx context.Context) ([]*responder, error) {
	rows, err := d.db.Query(ctx,
		`SELECT id, name, phone, email, webhook_url, webhook_secret, latitude, longitude
		 FROM responders WHERE active = true ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load responders: %w", err)
	}
	defer rows.Close()

	var responders []*responder
	for rows.Next() {
		r := &responder{travelSeconds: -1}
		if err := rows.Scan(&r.id, &r.name, &r.phone, &r.email, &r.webhookURL, &r.webhookSecret, &r.lat, &r.lng); err != nil {
			return nil, fmt.Errorf("scan responder: %w", err)
		}
		responders = append(responders, r)
	}
	return responders, rows.Err()
}

// rankResponders orders responders nearest-first, by distance-matrix
// travel time when the service answers, by haversine otherwise.
func (d *Dispatcher) rankResponders(ctx context.Context, responders []*responder, lat, lng float64) {
	for _, r := range responders {
		r.distanceKm = Haversine(r.lat, r.lng, lat, lng)
	}

	if d.maps.Enabled() {
		origins := make([][2]float64, len(responders))
		for i, r := range responders {
			origins[i] = [2]float64{r.lat, r.lng}
		}
		durations, err := d.maps.TravelSeconds(ctx, origins, lat, lng)
		if err != nil {
			slog.Warn("dispatch: distance matrix unavailable, using haversine order", "error", err)
		} else {
			for i, r := range responders {
				r.travelSeconds = durations[i]
			}
		}
	}

	sort.SliceStable(responders, func(i, j int) bool {
		a, b := responders[i], responders[j]
		if a.travelSeconds >= 0 && b.travelSeconds >= 0 {
			return a.travelSeconds < b.travelSeconds
		}
		if (a.travelSeconds >= 0) != (b.travelSeconds >= 0) {
			return a.travelSeconds >= 0
		}
		return a.distanceKm < b.distanceKm
	})
}

// notifyResponder fans out over every channel the responder has
// configured. Returns true if at least one channel got through.
func (d *Dispatcher) notifyResponder(ctx context.Context, alert analysis.Alert, label, mapURL string, lat, lng *float64, r *responder) bool {
	delivered := false

	if r.phone != "" && d.sms.Enabled() {
		if d.deliverSMS(ctx, alert, label, mapURL, r) {
			delivered = true
		}
	}
	if r.email != "" {
		if d.deliverEmail(ctx, alert, label, mapURL, r) {
			delivered = true
		}
	}
	if r.webhookURL != "" {
		if d.deliverWebhook(ctx, alert, label, mapURL, lat, lng, r) {
			delivered = true
		}
	}
	return delivered
}

func (d *Dispatcher) smsBody(alert analysis.Alert, label, mapURL string) string {
	body := fmt.Sprintf("VIGIL %s ALERT (%s): %s", alert.Level, alert.Kind, alert.Message)
	if label != "" {
		body += " — session " + label
	}
	if mapURL != "" {
		body += " " + mapURL
	}
	return body
}

func (d *Dispatcher) deliverSMS(ctx context.Context, alert analysis.Alert, label, mapURL string, r *responder) bool {
	body := d.smsBody(alert, label, mapURL)
	maxAttempts := 1 + len(d.retryDelays)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, err := d.sms.Send(ctx, r.phone, body)
		var codePtr *int
		if statusCode != 0 {
			codePtr = &statusCode
		}
		response := ""
		if err != nil {
			response = err.Error()
		}
		d.logDelivery(ctx, alert.ID, r.id, "sms", attempt, codePtr, response)
		if err == nil {
			return true
		}
		if !d.waitRetry(ctx, attempt, maxAttempts) {
			break
		}
	}
	slog.Error("dispatch: sms delivery failed", "alert_id", alert.ID, "responder", r.name)
	return false
}

func (d *Dispatcher) deliverEmail(ctx context.Context, alert analysis.Alert, label, mapURL string, r *responder) bool {
	maxAttempts := 1 + len(d.retryDelays)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := d.email.SendAlertNotification(ctx, r.email, r.name, label,
			string(alert.Level), alert.Kind, alert.Message, mapURL)
		response := ""
		if err != nil {
			response = err.Error()
		}
		d.logDelivery(ctx, alert.ID, r.id, "email", attempt, nil, response)
		if err == nil {
			return true
		}
		if !d.waitRetry(ctx, attempt, maxAttempts) {
			break
		}
	}
	slog.Error("dispatch: email delivery failed", "alert_id", alert.ID, "responder", r.name)
	return false
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, alert analysis.Alert, label, mapURL string, lat, lng *float64, r *responder) bool {
	event := Event{
		Name:      "alert.raised",
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"alertId":   alert.ID,
			"sessionId": alert.SessionID,
			"chunkId":   alert.ChunkID,
			"level":     string(alert.Level),
			"kind":      alert.Kind,
			"message":   alert.Message,
			"label":     label,
			"mapUrl":    mapURL,
		},
	}
	if lat != nil && lng != nil {
		event.Data["latitude"] = *lat
		event.Data["longitude"] = *lng
	}

	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("dispatch: marshal webhook payload", "alert_id", alert.ID, "error", err)
		return false
	}
	signature := SignPayload(r.webhookSecret, body)

	maxAttempts := 1 + len(d.retryDelays)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		statusCode, respBody, err := d.postWebhook(ctx, r.webhookURL, body, signature)
		d.logDelivery(ctx, alert.ID, r.id, "webhook", attempt, statusCode, respBody)

		if err == nil && statusCode != nil && *statusCode >= 200 && *statusCode < 300 {
			return true
		}
		if !d.waitRetry(ctx, attempt, maxAttempts) {
			break
		}
	}
	slog.Error("dispatch: webhook delivery failed", "alert_id", alert.ID, "responder", r.name)
	return false
}

func (d *Dispatcher) postWebhook(ctx context.Context, url string, body []byte, signature string) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBodyBytes)+1))
	respBody := string(respBytes)
	if len(respBody) > maxResponseBodyBytes {
		respBody = respBody[:maxResponseBodyBytes]
	}
	return &resp.StatusCode, respBody, nil
}

func (d *Dispatcher) waitRetry(ctx context.Context, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	select {
	case <-time.After(d.retryDelays[attempt-1]):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) logDelivery(ctx context.Context, alertID, responderID, channel string, attempt int, statusCode *int, response string) {
	if _, err := d.db.Exec(ctx,
		`INSERT INTO dispatch_deliveries (alert_id, responder_id, channel, attempt, status_code, response)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		alertID, responderID, channel, attempt, statusCode, response,
	); err != nil {
		slog.Error("dispatch: failed to log delivery", "alert_id", alertID, "channel", channel, "error", err)
	}
}
