package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohsin-356/callbot/internal/config"
	"github.com/mohsin-356/callbot/internal/nlp"
	"github.com/mohsin-356/callbot/internal/transcript"
	"github.com/mohsin-356/callbot/internal/tts"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default()

	store, err := transcript.Open(context.Background(), config.TranscriptStoreConfig{RetentionMode: "ephemeral"}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ttsSvc, err := tts.NewService(config.TTSConfig{Mode: "mock", SampleRate: 16000, Channels: 1, OutDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("new tts: %v", err)
	}

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		ttsService: ttsSvc,
	}
}

func TestHandleAPIHealth(t *testing.T) {
	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.handleAPIHealth(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleDBPing(t *testing.T) {
	rt := testRuntime(t)
	rec := httptest.NewRecorder()
	rt.handleDBPing(rec, httptest.NewRequest(http.MethodGet, "/api/db/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTTS(t *testing.T) {
	rt := testRuntime(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tts",
		strings.NewReader(`{"text":"hello caller","filename":"greeting.wav"}`))
	rec := httptest.NewRecorder()
	rt.handleTTS(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["url"] != "/audio/greeting.wav" {
		t.Fatalf("unexpected url: %s", body["url"])
	}
}

func TestHandleTTSRejectsEmptyText(t *testing.T) {
	rt := testRuntime(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tts", strings.NewReader(`{"text":"  "}`))
	rec := httptest.NewRecorder()
	rt.handleTTS(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleNLPProxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var forwarded map[string]string
		if err := json.NewDecoder(r.Body).Decode(&forwarded); err != nil {
			t.Errorf("decode forwarded body: %v", err)
		}
		if forwarded["sender"] != "u1" {
			t.Errorf("sender_id not forwarded, got %v", forwarded)
		}
		_, _ = w.Write([]byte(`[{"recipient_id":"u1","text":"hi!"}]`))
	}))
	defer backend.Close()

	rt := testRuntime(t)
	rt.nlpClient = nlp.NewClient(backend.URL, 2*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/api/nlp",
		strings.NewReader(`{"sender_id":"u1","message":"hello"}`))
	rec := httptest.NewRecorder()
	rt.handleNLP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var replies []nlp.Reply
	if err := json.NewDecoder(rec.Body).Decode(&replies); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "hi!" {
		t.Fatalf("unexpected replies: %+v", replies)
	}
}

func TestHandleNLPBackendDown(t *testing.T) {
	rt := testRuntime(t)
	rt.nlpClient = nlp.NewClient("http://127.0.0.1:1", 200*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/nlp",
		strings.NewReader(`{"sender_id":"u1","message":"hello"}`))
	rec := httptest.NewRecorder()
	rt.handleNLP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWithCORSPreflight(t *testing.T) {
	rt := testRuntime(t)
	handler := rt.withCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/tts", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("passthrough status = %d", rec.Code)
	}
}
