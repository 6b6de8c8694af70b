package api_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/p-n-ai/pai-qbank/internal/api"
	"github.com/p-n-ai/pai-qbank/internal/audit"
	"github.com/p-n-ai/pai-qbank/internal/exercise"
	"github.com/p-n-ai/pai-qbank/internal/exporter"
	"github.com/p-n-ai/pai-qbank/internal/importer"
)

const mathRecord = `{"category":"Math","type":"MCQ","stem":"2+2=?","questions":[{"question_order":1,"question_stem":"","question_answer":"4"}]}`

type testServer struct {
	mux   *http.ServeMux
	store *exercise.MemoryStore
	audit *audit.MemoryLogger
}

func newTestServer(t *testing.T, opts api.Options) *testServer {
	t.Helper()
	store := exercise.NewMemoryStore()
	auditLog := audit.NewMemoryLogger()
	h := api.New(store, importer.New(store, nil, 2), exporter.New(store, 2), auditLog, opts)
	mux := http.NewServeMux()
	h.Register(mux)
	return &testServer{mux: mux, store: store, audit: auditLog}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) importJSON(t *testing.T, body, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/exercises/import"+query, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestImport(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		query      string
		wantStatus int
		wantCount  float64
		wantStored int
	}{
		{"array", "[" + mathRecord + "," + mathRecord + "]", "", http.StatusCreated, 2, 2},
		{"single object", mathRecord, "", http.StatusCreated, 1, 1},
		{"partial", "[" + mathRecord + `,{"type":"MCQ","stem":"x"}]`, "", http.StatusOK, 1, 1},
		{"atomic rolls back", "[" + mathRecord + `,{"type":"MCQ","stem":"x"}]`, "?mode=atomic", http.StatusBadRequest, 0, 0},
		{"bad mode", mathRecord, "?mode=sometimes", http.StatusBadRequest, 0, 0},
		{"not json", `"hello"`, "", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, api.Options{})
			rec := s.importJSON(t, tt.body, tt.query)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if tt.wantCount > 0 && body["count"] != tt.wantCount {
				t.Errorf("count = %v, want %v", body["count"], tt.wantCount)
			}
			if n, _ := s.store.Count(t.Context(), exercise.Filter{}); n != tt.wantStored {
				t.Errorf("stored %d exercises, want %d", n, tt.wantStored)
			}
		})
	}
}

func TestImport_PartialReportsDetails(t *testing.T) {
	s := newTestServer(t, api.Options{})
	rec := s.importJSON(t, "["+mathRecord+`,{"category":"Math","stem":"x"}]`, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["failed"] != float64(1) {
		t.Errorf("failed = %v, want 1", body["failed"])
	}
	details, _ := body["details"].([]any)
	if len(details) != 1 || details[0].(map[string]any)["field"] != "type" {
		t.Errorf("details = %v", body["details"])
	}

	id, _ := body["import_id"].(string)
	report := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil))
	if report.Code != http.StatusOK {
		t.Fatalf("GET report status = %d", report.Code)
	}
	if got := decodeBody(t, report)["failed"]; got != float64(1) {
		t.Errorf("report failed = %v, want 1", got)
	}
}

func TestImport_TruncatedAfterCommittedChunks(t *testing.T) {
	s := newTestServer(t, api.Options{})
	rec := s.importJSON(t, "["+mathRecord+","+mathRecord+","+mathRecord+`,{"category":`, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(3) || body["failed"] != float64(1) {
		t.Errorf("count/failed = %v/%v, want 3/1", body["count"], body["failed"])
	}
	details, _ := body["details"].([]any)
	if len(details) != 1 || details[0].(map[string]any)["index"] != float64(3) {
		t.Errorf("details = %v, want the unreadable record at index 3", body["details"])
	}
	if n, _ := s.store.Count(t.Context(), exercise.Filter{}); n != 3 {
		t.Errorf("stored %d exercises, want 3", n)
	}

	id, _ := body["import_id"].(string)
	report := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil))
	if report.Code != http.StatusOK {
		t.Fatalf("GET report status = %d", report.Code)
	}
	if got := decodeBody(t, report)["count"]; got != float64(3) {
		t.Errorf("report count = %v, want 3", got)
	}
}

func TestImport_UnreadableBodyKeepsImportID(t *testing.T) {
	s := newTestServer(t, api.Options{})
	rec := s.importJSON(t, `[{"category":`, "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if id, _ := decodeBody(t, rec)["import_id"].(string); id == "" {
		t.Error("error response has no import_id")
	}
}

func TestImport_Multipart(t *testing.T) {
	s := newTestServer(t, api.Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "exercises.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte("[" + mathRecord + "]")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/exercises/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := s.do(req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}

	actions := s.audit.Actions()
	if len(actions) != 1 || actions[0].ActionType != audit.ActionImport {
		t.Errorf("audit actions = %+v", actions)
	}
}

func TestImport_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, api.Options{MaxUploadBytes: 16})
	rec := s.importJSON(t, "["+mathRecord+"]", "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestGetReport_NotFound(t *testing.T) {
	s := newTestServer(t, api.Options{})
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestExport(t *testing.T) {
	s := newTestServer(t, api.Options{})
	s.importJSON(t, "["+mathRecord+","+mathRecord+","+mathRecord+"]", "")

	tests := []struct {
		name        string
		query       string
		wantStatus  int
		wantRecords int
	}{
		{"by category", "?category_id=1", http.StatusOK, 3},
		{"no filter", "", http.StatusBadRequest, 0},
		{"unknown category", "?category_id=99", http.StatusNotFound, 0},
		{"bad id", "?major_id=abc", http.StatusBadRequest, 0},
		{"bad format", "?category_id=1&format=csv", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(http.MethodGet, "/api/exercises/export"+tt.query, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, `attachment; filename="exercises_category_1_`) {
				t.Errorf("Content-Disposition = %q", cd)
			}
			var records []exercise.Record
			if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
				t.Fatalf("decode export: %v", err)
			}
			if len(records) != tt.wantRecords {
				t.Errorf("records = %d, want %d", len(records), tt.wantRecords)
			}
		})
	}
}

func TestExport_XLSX(t *testing.T) {
	s := newTestServer(t, api.Options{})
	s.importJSON(t, mathRecord, "")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/exercises/export?category_id=1&format=xlsx", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("body is not a zip archive")
	}
}

func TestExportWebSocket(t *testing.T) {
	s := newTestServer(t, api.Options{})
	s.importJSON(t, "["+mathRecord+","+mathRecord+","+mathRecord+"]", "")

	srv := httptest.NewServer(s.mux)
	t.Cleanup(srv.Close)

	ctx := t.Context()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/exercises/export/ws?category_id=1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	var got []exercise.Record
	for {
		var rec exercise.Record
		err := wsjson.Read(ctx, conn, &rec)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			break
		}
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, rec)
	}

	if len(got) != 3 {
		t.Errorf("received %d records, want 3", len(got))
	}
	if got[0].Stem == nil || *got[0].Stem != "2+2=?" {
		t.Errorf("first record = %+v", got[0])
	}
}

func TestExportWebSocket_UnknownFilter(t *testing.T) {
	s := newTestServer(t, api.Options{})
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/exercises/export/ws?exam_id=5", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, api.Options{})
	s.importJSON(t, `{"exercise_id":5,"category":"Math","type":"MCQ","stem":"s"}`, "")

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/exercises/5", http.StatusNoContent},
		{"/api/exercises/5", http.StatusNotFound},
		{"/api/exercises/x", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := s.do(httptest.NewRequest(http.MethodDelete, tt.path, nil))
		if rec.Code != tt.wantStatus {
			t.Errorf("DELETE %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
		}
	}

	actions := s.audit.Actions()
	last := actions[len(actions)-1]
	if last.ActionType != audit.ActionDelete || last.ObjectID != "5" {
		t.Errorf("last audit action = %+v", last)
	}
}

func TestBulkUpdate(t *testing.T) {
	s := newTestServer(t, api.Options{})
	s.importJSON(t, `[{"exercise_id":1,"category":"Math","type":"MCQ","stem":"a"},
		{"exercise_id":2,"category":"Math","major":"Algebra","chapter":"Linear","examgroup":"Mid","type":"MCQ","stem":"b"}]`, "")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCount  float64
	}{
		{"level", `{"exercise_ids":[1,2,3],"level":4}`, http.StatusOK, 2},
		{"exam group", `{"exercise_ids":[1],"exam_group":1}`, http.StatusOK, 1},
		{"level out of range", `{"exercise_ids":[1],"level":6}`, http.StatusBadRequest, 0},
		{"no ids", `{"exercise_ids":[],"level":2}`, http.StatusBadRequest, 0},
		{"nothing to update", `{"exercise_ids":[1]}`, http.StatusBadRequest, 0},
		{"unknown exam group", `{"exercise_ids":[1],"exam_group":42}`, http.StatusNotFound, 0},
		{"malformed", `{`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/exercises/bulk-update", strings.NewReader(tt.body))
			rec := s.do(req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				if got := decodeBody(t, rec)["updated_count"]; got != tt.wantCount {
					t.Errorf("updated_count = %v, want %v", got, tt.wantCount)
				}
			}
		})
	}

	graphs, err := s.store.Page(t.Context(), exercise.Filter{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	first := graphs[0].Exercise
	if first.Level != 4 || first.ExamGroupID != 1 || first.ChapterID == 0 || first.MajorID == 0 {
		t.Errorf("exercise 1 = %+v, want level 4 under exam group 1", first)
	}
}

