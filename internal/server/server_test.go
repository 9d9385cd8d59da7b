package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hession/vox/internal/archive"
	"github.com/hession/vox/internal/config"
	"github.com/hession/vox/internal/engine"
	"github.com/hession/vox/internal/fantasy"
	"github.com/hession/vox/internal/history"
	"github.com/hession/vox/internal/index"
	"github.com/hession/vox/internal/llm"
)

const testDim = 64

func newTestServer(t *testing.T, reply string) (*Server, *llm.MockGenerator) {
	t.Helper()

	dir := t.TempDir()
	config.SetConfigDir(dir)
	cfg := config.DefaultSettings()
	cfg.Archive.Path = filepath.Join(dir, "archive")
	cfg.Context.HistoryDBPath = filepath.Join(dir, "history.db")
	cfg.RAG.IndexDBPath = filepath.Join(dir, "index.db")
	cfg.RAG.EmbeddingDimension = testDim
	cfg.Fantasy.Dir = filepath.Join(dir, "fantasies")

	store, err := archive.NewStore(cfg.Archive.Path, cfg.MaxArchiveBytes())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.Open(cfg.RAG.IndexDBPath, testDim)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })
	hist, err := history.NewStore(cfg.Context.HistoryDBPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })
	cards, err := fantasy.NewStore(cfg.Fantasy.Dir)
	if err != nil {
		t.Fatal(err)
	}

	generator := &llm.MockGenerator{Reply: reply}
	eng := engine.New(cfg, store, idx, hist, generator, llm.NewMockEmbedder(testDim))
	return New(cfg, eng, cards), generator
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatStreamsPlainText(t *testing.T) {
	srv, _ := newTestServer(t, "Hello traveler, welcome back.")
	rec := postJSON(t, srv.Handler(), "/api/chat", map[string]string{
		"message": "hello there",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("expected text/plain, got %s", got)
	}
	if rec.Body.String() != "Hello traveler, welcome back." {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestChatStripsNamePrefix(t *testing.T) {
	srv, _ := newTestServer(t, "Mira: [smiles] Good to see you.")
	rec := postJSON(t, srv.Handler(), "/api/chat", map[string]string{
		"message": "good to see you too",
		"ai_name": "Mira",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "[smiles] Good to see you." {
		t.Errorf("prefix not stripped: %q", got)
	}
}

func TestChatCarriesIdentityInstruction(t *testing.T) {
	srv, generator := newTestServer(t, "reply text")
	rec := postJSON(t, srv.Handler(), "/api/chat", map[string]string{
		"message":       "who are you",
		"system_prompt": "You are a village guardian.",
		"user_name":     "Aldric",
		"ai_name":       "Mira",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	sys := generator.LastPrompt()[0].Content
	if !strings.Contains(sys, "You are a village guardian.") {
		t.Error("system prompt missing from prompt")
	}
	if !strings.Contains(sys, "Roleplay as Mira") || !strings.Contains(sys, "User is Aldric") {
		t.Error("identity instruction missing from system message")
	}
	last := generator.LastPrompt()[len(generator.LastPrompt())-1]
	if !strings.HasPrefix(last.Content, "Aldric: ") {
		t.Errorf("user message should carry the display name, got %q", last.Content)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	srv, _ := newTestServer(t, "x")
	rec := postJSON(t, srv.Handler(), "/api/chat", map[string]string{"message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestFantasyCRUDOverHTTP(t *testing.T) {
	srv, generator := newTestServer(t, "in-character reply")
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/fantasies", map[string]string{
		"name":          "Guardian",
		"system_prompt": "You guard the village gate.",
		"ai_name":       "Mira",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", rec.Code, rec.Body.String())
	}
	var card fantasy.Card
	if err := json.Unmarshal(rec.Body.Bytes(), &card); err != nil {
		t.Fatal(err)
	}
	if card.ID == "" {
		t.Fatal("expected assigned card ID")
	}

	// The card's persona flows into chat.
	rec = postJSON(t, handler, "/api/chat", map[string]string{
		"message":    "open the gate please",
		"fantasy_id": card.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat with fantasy failed: %d", rec.Code)
	}
	if !strings.Contains(generator.LastPrompt()[0].Content, "You guard the village gate.") {
		t.Error("fantasy system prompt missing from chat")
	}

	// List, get, delete.
	req := httptest.NewRequest(http.MethodGet, "/api/fantasies", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var cards []fantasy.Card
	if err := json.Unmarshal(rec.Body.Bytes(), &cards); err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 {
		t.Fatalf("expected 1 card, got %d", len(cards))
	}

	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/fantasies/%s", card.ID), nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/fantasies/%s", card.ID), nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestSettingsUpdateClamped(t *testing.T) {
	srv, _ := newTestServer(t, "x")
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/settings", map[string]any{
		"Archive": map[string]any{"Path": srv.cfg.Archive.Path, "MaxSizeMB": -5},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("settings update failed: %d %s", rec.Code, rec.Body.String())
	}

	var updated config.Settings
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Archive.MaxSizeMB < 1 {
		t.Errorf("negative archive size should be clamped, got %d", updated.Archive.MaxSizeMB)
	}
}

func TestStatsAndReset(t *testing.T) {
	srv, _ := newTestServer(t, "some reply")
	handler := srv.Handler()

	rec := postJSON(t, handler, "/api/chat", map[string]string{"message": "hello friend"})
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var stats engine.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.WindowMessages != 2 {
		t.Errorf("expected 2 window messages, got %d", stats.WindowMessages)
	}

	rec = postJSON(t, handler, "/api/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset failed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.WindowMessages != 0 {
		t.Errorf("expected empty window after reset, got %d", stats.WindowMessages)
	}
}
