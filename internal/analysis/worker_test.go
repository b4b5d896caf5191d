package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/vigilcam/vigil/internal/security"
)

type fakeAnnotator struct {
	obs security.Observation
	err error
}

func (f *fakeAnnotator) Annotate(ctx context.Context, cloudURI string) (security.Observation, error) {
	return f.obs, f.err
}

type fakeStorage struct{}

func (fakeStorage) CloudURI(key string) string { return "s3://vigil/" + key }

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) BroadcastSession(sessionID, eventType string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeHub) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fakeDispatcher struct {
	mu     sync.Mutex
	alerts []Alert
}

func (f *fakeDispatcher) DispatchAlert(ctx context.Context, alert Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func TestAnalyzeChunk_QuietScene(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	hub := &fakeHub{}
	disp := &fakeDispatcher{}
	annotator := &fakeAnnotator{obs: security.Observation{
		PersonCount: 1,
		Labels:      []security.Label{{Description: "Sidewalk", Confidence: 0.9}},
	}}
	w := NewWorker(mock, fakeStorage{}, annotator, hub, disp, 100, security.LevelHigh)

	mock.ExpectExec(`INSERT INTO analyses`).
		WithArgs("chunk-1", "sess-1", pgxmock.AnyArg(), 1, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "none").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE chunks SET status = 'analyzed'`).
		WithArgs("chunk-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.analyzeChunk(context.Background(), "chunk-1", "sess-1", "chunks/sess-1/000001.mp4", 1)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if !hub.has("chunk.analyzed") {
		t.Fatal("expected chunk.analyzed broadcast")
	}
	if hub.has("alert.raised") {
		t.Fatal("quiet scene must not raise an alert")
	}
	if disp.count() != 0 {
		t.Fatal("quiet scene must not dispatch")
	}
}

func TestAnalyzeChunk_ThreatRaisesAlert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()
	mock.MatchExpectationsInOrder(false)

	hub := &fakeHub{}
	disp := &fakeDispatcher{}
	annotator := &fakeAnnotator{obs: security.Observation{
		PersonCount: 95,
		Labels: []security.Label{
			{Description: "Handgun", Confidence: 0.95},
			{Description: "Explosion", Confidence: 0.9},
		},
		Faces: []security.FaceSignals{{Joy: security.VeryUnlikely, Anger: security.VeryLikely, Fear: security.VeryLikely}},
	}}
	w := NewWorker(mock, fakeStorage{}, annotator, hub, disp, 100, security.LevelHigh)

	// Seed a baseline so the anomaly term is active.
	w.profile("sess-1").baseline.Update(security.Observation{
		PersonCount: 2,
		Labels:      []security.Label{{Description: "Sidewalk", Confidence: 0.9}},
	})

	mock.ExpectExec(`INSERT INTO analyses`).
		WithArgs("chunk-2", "sess-1", pgxmock.AnyArg(), 95, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE chunks SET status = 'analyzed'`).
		WithArgs("chunk-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(pgxmock.AnyArg(), "sess-1", "chunk-2", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE alerts SET dispatched = true`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.analyzeChunk(context.Background(), "chunk-2", "sess-1", "chunks/sess-1/000002.mp4", 2)

	if !hub.has("alert.raised") {
		t.Fatal("expected alert.raised broadcast")
	}

	// Dispatch runs on a goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for disp.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if disp.count() != 1 {
		t.Fatalf("expected one dispatched alert, got %d", disp.count())
	}
	disp.mu.Lock()
	alert := disp.alerts[0]
	disp.mu.Unlock()
	if alert.Kind != "threat" {
		t.Fatalf("expected threat alert, got %q", alert.Kind)
	}
	if alert.Level != security.LevelCritical {
		t.Fatalf("expected critical level, got %s", alert.Level)
	}
}

func TestAnalyzeChunk_AnnotationFailureIsRecorded(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	annotator := &fakeAnnotator{err: errors.New("service unavailable")}
	w := NewWorker(mock, fakeStorage{}, annotator, nil, nil, 100, security.LevelHigh)

	mock.ExpectExec(`INSERT INTO analyses \(chunk_id, session_id, error\)`).
		WithArgs("chunk-3", "sess-1", "service unavailable").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE chunks SET status = 'analyzed'`).
		WithArgs("chunk-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.analyzeChunk(context.Background(), "chunk-3", "sess-1", "chunks/sess-1/000003.mp4", 3)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProcessNext_NoPendingChunks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	w := NewWorker(mock, fakeStorage{}, &fakeAnnotator{}, nil, nil, 100, security.LevelHigh)

	mock.ExpectExec(`UPDATE chunks SET status = 'uploaded'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`UPDATE chunks SET status = 'analyzing'`).
		WillReturnError(errors.New("no rows in result set"))

	w.processNext(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestForgetSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	w := NewWorker(mock, fakeStorage{}, &fakeAnnotator{}, nil, nil, 100, security.LevelHigh)
	w.profile("sess-9").prevCount = 5
	w.ForgetSession("sess-9")
	if w.profile("sess-9").prevCount != 0 {
		t.Fatal("expected fresh profile after forget")
	}
}
