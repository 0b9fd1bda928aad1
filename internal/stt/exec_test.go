package stt

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohsin-356/callbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRecognizerScript answers the line protocol: one reply per request,
// partial for audio, final for a flush.
const fakeRecognizerScript = `#!/bin/sh
while read line; do
  case "$line" in
    *'"type":"final"'*) echo '{"event":"final","text":"committed"}' ;;
    *) echo '{"event":"partial","text":"hypothesis"}' ;;
  esac
done
`

func writeRecognizerScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-recognizer.sh")
	if err := os.WriteFile(path, []byte(fakeRecognizerScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newExecForTest(t *testing.T) Recognizer {
	t.Helper()
	cfg := config.STTConfig{Mode: "exec", Command: writeRecognizerScript(t)}
	factory, err := NewFactory(cfg, testLogger())
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	rec, err := factory(16000)
	if err != nil {
		t.Fatalf("construct recognizer: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func TestExecFeedReturnsPartial(t *testing.T) {
	rec := newExecForTest(t)
	final, err := rec.Feed(make([]byte, 640))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if final {
		t.Fatal("expected no final boundary")
	}
	if got := rec.Partial(); got != "hypothesis" {
		t.Fatalf("expected partial hypothesis, got %q", got)
	}
}

func TestExecFinalFlushes(t *testing.T) {
	rec := newExecForTest(t)
	if _, err := rec.Feed(make([]byte, 640)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	text, err := rec.Final()
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if text != "committed" {
		t.Fatalf("expected committed text, got %q", text)
	}
}

func TestExecCloseIsIdempotent(t *testing.T) {
	rec := newExecForTest(t)
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFactoryRejectsExecWithoutCommand(t *testing.T) {
	if _, err := NewFactory(config.STTConfig{Mode: "exec"}, testLogger()); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}

func TestFactoryRejectsUnknownMode(t *testing.T) {
	if _, err := NewFactory(config.STTConfig{Mode: "cloud"}, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
