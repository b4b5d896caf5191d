package analysis

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vigilcam/vigil/internal/database"
	"github.com/vigilcam/vigil/internal/security"
)

// Annotator is implemented by the annotation client; tests substitute
// a fake to avoid the poll loop.
type Annotator interface {
	Annotate(ctx context.Context, cloudURI string) (security.Observation, error)
}

// ObjectStorage is the slice of the storage layer the worker needs.
type ObjectStorage interface {
	CloudURI(key string) string
}

// Broadcaster relays events to monitoring clients subscribed to a
// session channel.
type Broadcaster interface {
	BroadcastSession(sessionID string, eventType string, data map[string]any)
}

// Alert is what gets handed to the emergency dispatcher.
type Alert struct {
	ID        string
	SessionID string
	ChunkID   string
	Level     security.Level
	Kind      string
	Message   string
}

// AlertDispatcher triggers the emergency notification sequence.
type AlertDispatcher interface {
	DispatchAlert(ctx context.Context, alert Alert) error
}

// sessionProfile carries the in-memory scoring state for one session:
// the anomaly baseline and the previous chunk's person count for the
// crowd growth term. Lost on restart, which only means the first chunk
// after a restart scores without history.
type sessionProfile struct {
	baseline  *security.Baseline
	prevCount int
}

type Worker struct {
	db         database.DBTX
	storage    ObjectStorage
	annotator  Annotator
	hub        Broadcaster
	dispatcher AlertDispatcher

	crowdCapacity int
	alertLevel    security.Level

	mu       sync.Mutex
	profiles map[string]*sessionProfile
}

func NewWorker(db database.DBTX, storage ObjectStorage, annotator Annotator, hub Broadcaster, dispatcher AlertDispatcher, crowdCapacity int, alertLevel security.Level) *Worker {
	return &Worker{
		db:            db,
		storage:       storage,
		annotator:     annotator,
		hub:           hub,
		dispatcher:    dispatcher,
		crowdCapacity: crowdCapacity,
		alertLevel:    alertLevel,
		profiles:      make(map[string]*sessionProfile),
	}
}

// Start launches the analysis loop. One chunk is processed per tick.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	go func() {
		log.Println("analysis-worker: started")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("analysis-worker: shutting down")
				return
			case <-ticker.C:
				w.processNext(ctx)
			}
		}
	}()
}

func (w *Worker) processNext(ctx context.Context) {
	// Reset chunks stuck in analyzing for more than 15 minutes.
	if _, err := w.db.Exec(ctx,
		`UPDATE chunks SET status = 'uploaded', analysis_started_at = NULL, updated_at = now()
		 WHERE status = 'analyzing' AND analysis_started_at < now() - INTERVAL '15 minutes'`,
	); err != nil {
		log.Printf("analysis-worker: failed to reset stuck chunks: %v", err)
	}

	var chunkID, sessionID, fileKey string
	var seq int
	err := w.db.QueryRow(ctx,
		`UPDATE chunks SET status = 'analyzing', analysis_started_at = now(), updated_at = now()
		 WHERE id = (
		     SELECT id FROM chunks
		     WHERE status = 'uploaded'
		     ORDER BY uploaded_at ASC LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, session_id, file_key, seq`,
	).Scan(&chunkID, &sessionID, &fileKey, &seq)
	if err != nil {
		return // no pending chunks or error
	}

	log.Printf("analysis-worker: claimed chunk %s (session %s seq %d)", chunkID, sessionID, seq)
	w.analyzeChunk(ctx, chunkID, sessionID, fileKey, seq)
}

func (w *Worker) analyzeChunk(ctx context.Context, chunkID, sessionID, fileKey string, seq int) {
	obs, err := w.annotator.Annotate(ctx, w.storage.CloudURI(fileKey))
	if err != nil {
		// Analysis is advisory: record the failure and move on so the
		// chunk is never re-billed against the annotation service.
		slog.Error("analysis: annotation failed", "chunk_id", chunkID, "error", err)
		if _, dbErr := w.db.Exec(ctx,
			`INSERT INTO analyses (chunk_id, session_id, error) VALUES ($1, $2, $3)`,
			chunkID, sessionID, err.Error(),
		); dbErr != nil {
			slog.Error("analysis: failed to record annotation error", "chunk_id", chunkID, "error", dbErr)
		}
		w.markAnalyzed(ctx, chunkID)
		return
	}

	profile := w.profile(sessionID)
	assessment := security.Assess(obs, w.crowdCapacity, profile.prevCount, profile.baseline)
	profile.baseline.Update(obs)
	profile.prevCount = obs.PersonCount

	labelsJSON, err := json.Marshal(obs.Labels)
	if err != nil {
		labelsJSON = []byte("[]")
	}

	if _, err := w.db.Exec(ctx,
		`INSERT INTO analyses (chunk_id, session_id, labels, person_count, sentiment, crowd_risk, threat_score, anomaly_score, level)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		chunkID, sessionID, labelsJSON, obs.PersonCount, assessment.Sentiment,
		assessment.CrowdRisk, assessment.ThreatScore, assessment.AnomalyScore, string(assessment.Level),
	); err != nil {
		slog.Error("analysis: failed to store result", "chunk_id", chunkID, "error", err)
	}

	w.markAnalyzed(ctx, chunkID)

	if w.hub != nil {
		w.hub.BroadcastSession(sessionID, "chunk.analyzed", map[string]any{
			"chunkId":     chunkID,
			"seq":         seq,
			"personCount": obs.PersonCount,
			"crowdRisk":   assessment.CrowdRisk,
			"threatScore": assessment.ThreatScore,
			"anomaly":     assessment.AnomalyScore,
			"sentiment":   assessment.Sentiment,
			"level":       string(assessment.Level),
		})
	}

	if assessment.Level.Severity() >= w.alertLevel.Severity() && assessment.Level != security.LevelNone {
		w.raiseAlert(ctx, chunkID, sessionID, assessment)
	}
}

func (w *Worker) raiseAlert(ctx context.Context, chunkID, sessionID string, assessment security.Assessment) {
	alert := Alert{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ChunkID:   chunkID,
		Level:     assessment.Level,
		Kind:      dominantKind(assessment),
		Message:   alertMessage(assessment),
	}

	if _, err := w.db.Exec(ctx,
		`INSERT INTO alerts (id, session_id, chunk_id, level, kind, message) VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.SessionID, alert.ChunkID, string(alert.Level), alert.Kind, alert.Message,
	); err != nil {
		slog.Error("analysis: failed to store alert", "chunk_id", chunkID, "error", err)
		return
	}

	if w.hub != nil {
		w.hub.BroadcastSession(sessionID, "alert.raised", map[string]any{
			"alertId": alert.ID,
			"chunkId": chunkID,
			"level":   string(alert.Level),
			"kind":    alert.Kind,
			"message": alert.Message,
		})
	}

	if w.dispatcher == nil {
		return
	}
	go func() {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := w.dispatcher.DispatchAlert(dispatchCtx, alert); err != nil {
			slog.Error("analysis: dispatch failed", "alert_id", alert.ID, "error", err)
			return
		}
		if _, err := w.db.Exec(dispatchCtx,
			`UPDATE alerts SET dispatched = true WHERE id = $1`, alert.ID); err != nil {
			slog.Error("analysis: failed to mark alert dispatched", "alert_id", alert.ID, "error", err)
		}
	}()
}

func (w *Worker) markAnalyzed(ctx context.Context, chunkID string) {
	if _, err := w.db.Exec(ctx,
		`UPDATE chunks SET status = 'analyzed', updated_at = now() WHERE id = $1`, chunkID,
	); err != nil {
		slog.Error("analysis: failed to mark chunk analyzed", "chunk_id", chunkID, "error", err)
	}
}

func (w *Worker) profile(sessionID string) *sessionProfile {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.profiles[sessionID]
	if !ok {
		p = &sessionProfile{baseline: security.NewBaseline()}
		w.profiles[sessionID] = p
	}
	return p
}

// ForgetSession drops the in-memory scoring state once a session is
// finalized.
func (w *Worker) ForgetSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.profiles, sessionID)
}

func dominantKind(a security.Assessment) string {
	kind, best := "anomaly", a.AnomalyScore
	if a.CrowdRisk > best {
		kind, best = "crowd", a.CrowdRisk
	}
	// Ties go to threat: it is the most actionable signal.
	if a.ThreatScore >= best {
		kind = "threat"
	}
	return kind
}

func alertMessage(a security.Assessment) string {
	switch dominantKind(a) {
	case "threat":
		return "threat indicators detected on camera"
	case "crowd":
		return "crowd density approaching unsafe levels"
	default:
		return "unusual activity detected on camera"
	}
}
