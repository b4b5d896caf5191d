package capture

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
)

func chunkRequest(t *testing.T, sessionID string, seq, duration int, contentType string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("seq", strconv.Itoa(seq)); err != nil {
		t.Fatalf("write seq field: %v", err)
	}
	if err := writer.WriteField("duration", strconv.Itoa(duration)); err != nil {
		t.Fatalf("write duration field: %v", err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="chunk"; filename="segment.mp4"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/capture/sessions/"+sessionID+"/chunks", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func expectSessionLookup(mock pgxmock.PgxPoolIface, sessionID, status string, nextSeq int) {
	mock.ExpectQuery(`SELECT status, next_seq FROM sessions`).
		WithArgs(sessionID).
		WillReturnRows(pgxmock.NewRows([]string{"status", "next_seq"}).AddRow(status, nextSeq))
}

func TestIngestChunk_Success(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()
	hub := &recordingHub{}
	h.SetBroadcaster(hub)

	payload := []byte("fake-mp4-segment-bytes")
	expectSessionLookup(mock, "sess-1", "active", 0)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnError(errNoRows{})
	mock.ExpectExec(`INSERT INTO chunks`).
		WithArgs(pgxmock.AnyArg(), "sess-1", 0, pgxmock.AnyArg(), int64(len(payload)), 60, "video/mp4").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE sessions SET chunks_received`).
		WithArgs("sess-1", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	req := chunkRequest(t, "sess-1", 0, 60, "video/mp4", payload)
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Seq != 0 || resp.Status != "stored" || resp.NextSeq != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	archived := filepath.Join(h.archiveDir, "sess-1", "000000.mp4")
	data, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("read archived chunk: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("archived chunk does not match upload")
	}

	// The spool dir must hold no leftover temp files after the rename.
	entries, err := os.ReadDir(h.spoolDir)
	if err != nil {
		t.Fatalf("read spool dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty spool dir, found %d entries", len(entries))
	}

	if !hub.has("chunk.stored") {
		t.Fatal("expected chunk.stored broadcast")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIngestChunk_ReplayIsIdempotent(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "active", 3)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow("c-2", "uploaded"))

	req := chunkRequest(t, "sess-1", 2, 60, "video/mp4", []byte("replayed"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "c-2" || resp.Status != "uploaded" {
		t.Fatalf("unexpected replay response: %+v", resp)
	}
}

func TestIngestChunk_SessionNotActive(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "finalized", 5)

	req := chunkRequest(t, "sess-1", 5, 60, "video/mp4", []byte("late"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestChunk_SessionNotFound(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT status, next_seq FROM sessions`).
		WithArgs("missing").
		WillReturnError(errNoRows{})

	req := chunkRequest(t, "missing", 0, 60, "video/mp4", []byte("x"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestIngestChunk_SeqTooFarAhead(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "active", 0)

	req := chunkRequest(t, "sess-1", seqWindow, 60, "video/mp4", []byte("x"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestChunk_WithinSeqWindow(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	payload := []byte("out-of-order")
	expectSessionLookup(mock, "sess-1", "active", 4)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 7).
		WillReturnError(errNoRows{})
	mock.ExpectExec(`INSERT INTO chunks`).
		WithArgs(pgxmock.AnyArg(), "sess-1", 7, pgxmock.AnyArg(), int64(len(payload)), 60, "video/mp4").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE sessions SET chunks_received`).
		WithArgs("sess-1", 8).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	req := chunkRequest(t, "sess-1", 7, 60, "video/mp4", payload)
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NextSeq != 8 {
		t.Fatalf("expected nextSeq 8, got %d", resp.NextSeq)
	}
}

func TestIngestChunk_UnsupportedContentType(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "active", 0)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnError(errNoRows{})

	req := chunkRequest(t, "sess-1", 0, 60, "application/zip", []byte("zip"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestChunk_MissingFilePart(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "active", 0)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnError(errNoRows{})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("seq", "0")
	_ = writer.WriteField("duration", "60")
	_ = writer.Close()
	req := httptest.NewRequest("POST", "/api/capture/sessions/sess-1/chunks", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngestChunk_RejectsOversizedChunk(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("create pgxmock pool: %v", err)
	}
	defer mock.Close()
	h := NewHandler(mock, newMockStorage(), t.TempDir(), t.TempDir(), 16)

	expectSessionLookup(mock, "sess-1", "active", 0)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnError(errNoRows{})

	req := chunkRequest(t, "sess-1", 0, 60, "video/mp4", bytes.Repeat([]byte("x"), 64))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("chunk too large")) {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	// Nothing may reach the archive for a rejected chunk.
	entries, err := os.ReadDir(h.archiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty archive dir, found %d entries", len(entries))
	}
}

func TestIngestChunk_InsertRaceReturnsWinningRow(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	defer mock.Close()

	expectSessionLookup(mock, "sess-1", "active", 0)
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnError(errNoRows{})
	mock.ExpectExec(`INSERT INTO chunks`).
		WithArgs(pgxmock.AnyArg(), "sess-1", 0, pgxmock.AnyArg(), int64(8), 60, "video/mp4").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery(`SELECT id, status FROM chunks`).
		WithArgs("sess-1", 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).AddRow("c-winner", "stored"))

	req := chunkRequest(t, "sess-1", 0, 60, "video/mp4", []byte("replayed"))
	rec := httptest.NewRecorder()
	newSessionRouter(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "c-winner" || resp.Status != "stored" {
		t.Fatalf("expected the surviving row in the response, got %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
