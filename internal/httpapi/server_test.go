package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/kotori-bot/kotori/internal/store"
)

func setupTestServer(t *testing.T) (*gin.Engine, *store.Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "httpapi-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	s, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}
	_, engine := New(s, nil)
	return engine, s, func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
}

func doJSON(t *testing.T, engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestInsertAndListMemories(t *testing.T) {
	engine, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := doJSON(t, engine, "POST", "/api/memories",
		`{"trip_code": "trip1", "text": "likes tea", "importance": 99}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert returned %d: %s", w.Code, w.Body.String())
	}

	// Loosely typed importance strings coerce too.
	w = doJSON(t, engine, "POST", "/api/memories",
		`{"trip_code": "trip1", "text": "dislikes rain", "importance": "3"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Insert returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, "POST", "/api/memories", `{"trip_code": "trip1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing text, got %d", w.Code)
	}

	w = doJSON(t, engine, "GET", "/api/users/trip1/memories", "")
	if w.Code != http.StatusOK {
		t.Fatalf("List returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Memories []store.Memory `json:"memories"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad list response: %v", err)
	}
	if len(resp.Memories) != 2 {
		t.Fatalf("Expected 2 memories, got %d", len(resp.Memories))
	}
	// Out-of-range importance was clamped on the way in.
	if resp.Memories[0].Importance != store.MaxImportance {
		t.Errorf("Expected clamped importance first, got %d", resp.Memories[0].Importance)
	}
}

func TestProfileMergeNotOverwrite(t *testing.T) {
	engine, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := doJSON(t, engine, "GET", "/api/users/trip1/profile", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing profile, got %d", w.Code)
	}

	w = doJSON(t, engine, "PUT", "/api/users/trip1/profile",
		`{"fragment": {"common_name": "Liam", "likes": ["tea"]}, "display_name": "liam_"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("First put returned %d: %s", w.Code, w.Body.String())
	}

	// A second fragment adds without clearing earlier fields.
	w = doJSON(t, engine, "PUT", "/api/users/trip1/profile",
		`{"fragment": {"location": "Tokyo", "likes": ["birds"]}, "display_name": "liam_"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Second put returned %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, engine, "GET", "/api/users/trip1/profile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Get returned %d", w.Code)
	}
	var p struct {
		CommonName *string  `json:"common_name"`
		Location   *string  `json:"location"`
		Likes      []string `json:"likes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("Bad profile response: %v", err)
	}
	if p.CommonName == nil || *p.CommonName != "Liam" {
		t.Errorf("Earlier scalar lost: %+v", p)
	}
	if p.Location == nil || *p.Location != "Tokyo" {
		t.Errorf("New scalar missing: %+v", p)
	}
	if len(p.Likes) != 2 {
		t.Errorf("Likes not unioned: %v", p.Likes)
	}
}

func TestSearchRoute(t *testing.T) {
	engine, s, cleanup := setupTestServer(t)
	defer cleanup()

	w := doJSON(t, engine, "POST", "/api/search", `{"room_id": "room1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing embedding, got %d", w.Code)
	}

	if !s.SearchEnabled() {
		w = doJSON(t, engine, "POST", "/api/search",
			`{"room_id": "room1", "embedding": [1, 0, 0]}`)
		if w.Code != http.StatusNotImplemented {
			t.Errorf("Expected 501 in fallback mode, got %d", w.Code)
		}
		return
	}

	if _, err := s.Insert(store.Memory{RoomID: "room1", Text: "tea fact"}, []float64{1, 0, 0}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	w = doJSON(t, engine, "POST", "/api/search",
		`{"room_id": "room1", "embedding": [1, 0, 0], "top_k": 5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Search returned %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []store.ScoredMemory `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad search response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Text != "tea fact" {
		t.Errorf("Unexpected search results: %+v", resp.Results)
	}
}

func TestMaintenanceAndStatusRoutes(t *testing.T) {
	engine, _, cleanup := setupTestServer(t)
	defer cleanup()

	w := doJSON(t, engine, "POST", "/api/maintenance/cleanup", "")
	if w.Code != http.StatusOK {
		t.Errorf("Cleanup returned %d", w.Code)
	}

	// No pipeline configured on this server.
	w = doJSON(t, engine, "POST", "/api/maintenance/consolidate", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a pipeline, got %d", w.Code)
	}

	w = doJSON(t, engine, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status returned %d", w.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("Bad status response: %v", err)
	}
	if _, ok := status["vector_mode"]; !ok {
		t.Errorf("Status missing vector_mode: %v", status)
	}
	if _, ok := status["search_enabled"]; !ok {
		t.Errorf("Status missing search_enabled: %v", status)
	}
}
