package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohsin-356/callbot/internal/config"
	"github.com/mohsin-356/callbot/internal/stt"
)

var errScriptDone = errors.New("script exhausted")

type wsMsg struct {
	kind  int
	data  []byte
	delay time.Duration // pause before this frame is delivered
}

// fakeConn feeds a scripted sequence of inbound frames and records
// everything the session writes back.
type fakeConn struct {
	inbound   []wsMsg
	writes    []wsMsg
	closeSent []int
	closed    int
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.inbound) == 0 {
		return 0, nil, errScriptDone
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	if msg.delay > 0 {
		time.Sleep(msg.delay)
	}
	return msg.kind, msg.data, nil
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.writes = append(c.writes, wsMsg{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	if kind == websocket.CloseMessage && len(data) >= 2 {
		c.closeSent = append(c.closeSent, int(binary.BigEndian.Uint16(data)))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, w := range c.writes {
		var ev map[string]any
		if err := json.Unmarshal(w.data, &ev); err != nil {
			t.Fatalf("bad event %q: %v", w.data, err)
		}
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) eventsOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range c.events(t) {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

type stubRecognizer struct {
	fed        [][]byte
	partial    string
	finalText  string
	finalCalls int
	closeCalls int
}

func (r *stubRecognizer) Feed(pcm []byte) (bool, error) {
	r.fed = append(r.fed, append([]byte(nil), pcm...))
	return false, nil
}

func (r *stubRecognizer) Partial() string { return r.partial }

func (r *stubRecognizer) Final() (string, error) {
	r.finalCalls++
	return r.finalText, nil
}

func (r *stubRecognizer) Close() error {
	r.closeCalls++
	return nil
}

type stubFactory struct {
	rates []int
	rec   *stubRecognizer
	err   error
}

func (f *stubFactory) factory(sampleRate int) (stt.Recognizer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.rates = append(f.rates, sampleRate)
	return f.rec, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOptions(f *stubFactory, stream config.StreamConfig) Options {
	return Options{
		Logger:        discardLogger(),
		Stream:        stream,
		NewRecognizer: f.factory,
	}
}

func initPCM(rate int) wsMsg {
	return wsMsg{kind: websocket.TextMessage, data: []byte(`{"type":"init","mode":"pcm","sampleRate":` + strconv.Itoa(rate) + `}`)}
}

func loudChunk(bytes int) []byte {
	buf := make([]byte, bytes)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(16000)))
	}
	return buf
}

func TestInitPCMConstructsRecognizerOnce(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{}}
	conn := &fakeConn{inbound: []wsMsg{initPCM(16000)}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if len(f.rates) != 1 || f.rates[0] != 16000 {
		t.Fatalf("expected one recognizer at 16000, got %v", f.rates)
	}
	if f.rec.closeCalls != 1 {
		t.Fatalf("expected recognizer closed once, got %d", f.rec.closeCalls)
	}
}

func TestRawModeVADDisabledForwardsChunksInOrder(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{partial: "hello"}}
	chunks := [][]byte{{1, 2, 3, 4}, {5, 6}, {7, 8, 9, 10}}
	inbound := []wsMsg{initPCM(16000)}
	for _, c := range chunks {
		inbound = append(inbound, wsMsg{kind: websocket.BinaryMessage, data: c})
	}
	conn := &fakeConn{inbound: inbound}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if len(f.rec.fed) != len(chunks) {
		t.Fatalf("expected %d chunks fed, got %d", len(chunks), len(f.rec.fed))
	}
	for i := range chunks {
		if string(f.rec.fed[i]) != string(chunks[i]) {
			t.Fatalf("chunk %d forwarded out of order or modified", i)
		}
	}
	partials := conn.eventsOfType(t, "result")
	if len(partials) != len(chunks) {
		t.Fatalf("expected %d result events, got %d", len(chunks), len(partials))
	}
}

func TestAudioBeforeInitRejectedThenRecovers(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{}}
	conn := &fakeConn{inbound: []wsMsg{
		{kind: websocket.BinaryMessage, data: []byte{1, 2}},
		initPCM(16000),
		{kind: websocket.BinaryMessage, data: []byte{3, 4}},
	}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if got := conn.eventsOfType(t, "error"); len(got) != 1 {
		t.Fatalf("expected one error event, got %d", len(got))
	}
	if len(f.rec.fed) != 1 || string(f.rec.fed[0]) != string([]byte{3, 4}) {
		t.Fatalf("expected only post-init chunk fed, got %v", f.rec.fed)
	}
}

func TestVADSilenceEmitsNothingSpeechEmitsOneResult(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{partial: "hi"}}
	stream := config.StreamConfig{FrameDurationMS: 20, VADEnabled: true, VADThreshold: 0.05}
	silent := make([]byte, 640) // 20ms at 16kHz

	conn := &fakeConn{inbound: []wsMsg{initPCM(16000), {kind: websocket.BinaryMessage, data: silent}}}
	New(conn, newTestOptions(f, stream)).Run(context.Background())
	if got := conn.eventsOfType(t, "result"); len(got) != 0 {
		t.Fatalf("expected no result for silence, got %d", len(got))
	}

	f = &stubFactory{rec: &stubRecognizer{partial: "hi"}}
	conn = &fakeConn{inbound: []wsMsg{initPCM(16000), {kind: websocket.BinaryMessage, data: loudChunk(640)}}}
	New(conn, newTestOptions(f, stream)).Run(context.Background())
	results := conn.eventsOfType(t, "result")
	if len(results) != 1 {
		t.Fatalf("expected exactly one result for speech, got %d", len(results))
	}
	if results[0]["final"] != false {
		t.Fatalf("expected partial result, got %v", results[0])
	}
}

func TestStopFinalizesOnce(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{finalText: "done"}}
	conn := &fakeConn{inbound: []wsMsg{
		initPCM(16000),
		{kind: websocket.TextMessage, data: []byte("stop")},
		// Anything after stop is never read; disconnect follows.
	}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	finals := conn.eventsOfType(t, "final")
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final event, got %d", len(finals))
	}
	if f.rec.finalCalls != 1 {
		t.Fatalf("expected one final flush, got %d", f.rec.finalCalls)
	}
	if f.rec.closeCalls != 1 {
		t.Fatalf("expected one recognizer teardown, got %d", f.rec.closeCalls)
	}
	if len(conn.closeSent) != 1 || conn.closeSent[0] != websocket.CloseNormalClosure {
		t.Fatalf("expected one normal close frame, got %v", conn.closeSent)
	}
}

func TestDisconnectFinalizesOnce(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{finalText: "bye"}}
	conn := &fakeConn{inbound: []wsMsg{initPCM(16000)}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if f.rec.finalCalls != 1 {
		t.Fatalf("expected one final flush on disconnect, got %d", f.rec.finalCalls)
	}
	if conn.closed == 0 {
		t.Fatal("expected underlying connection closed")
	}
}

func TestDecodedModeWithoutDecoderStaysOpen(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{}}
	conn := &fakeConn{inbound: []wsMsg{
		{kind: websocket.TextMessage, data: []byte(`{"type":"init","mimeType":"audio/webm"}`)},
		{kind: websocket.BinaryMessage, data: []byte{1, 2, 3}},
		initPCM(16000),
		{kind: websocket.BinaryMessage, data: []byte{4, 5}},
	}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if got := conn.eventsOfType(t, "error"); len(got) != 1 {
		t.Fatalf("expected one error event for undecodable chunk, got %d", len(got))
	}
	// The session recovered via re-init into raw mode and accepted audio.
	if len(f.rec.fed) != 1 || string(f.rec.fed[0]) != string([]byte{4, 5}) {
		t.Fatalf("expected raw chunk fed after recovery, got %v", f.rec.fed)
	}
	if len(conn.closeSent) != 1 || conn.closeSent[0] != websocket.CloseNormalClosure {
		t.Fatalf("expected normal closure, got %v", conn.closeSent)
	}
}

func TestDecoderDeathMidStreamIsFatal(t *testing.T) {
	// A decoder that accepts nothing and exits at once stands in for ffmpeg
	// being killed externally.
	script := filepath.Join(t.TempDir(), "dying-decoder.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	f := &stubFactory{rec: &stubRecognizer{}}
	conn := &fakeConn{inbound: []wsMsg{
		{kind: websocket.TextMessage, data: []byte(`{"type":"init","mimeType":"audio/ogg"}`)},
		{kind: websocket.BinaryMessage, data: []byte{1, 2, 3, 4}},
		// The second chunk is held back until the exit has been observed.
		{kind: websocket.BinaryMessage, data: []byte{5, 6, 7, 8}, delay: 500 * time.Millisecond},
		{kind: websocket.BinaryMessage, data: []byte{9, 10}},
	}}
	opts := newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})
	opts.DecoderPath = script
	New(conn, opts).Run(context.Background())

	if got := conn.eventsOfType(t, "error"); len(got) == 0 {
		t.Fatal("expected an error event for the dead decoder")
	}
	if len(conn.closeSent) != 1 || conn.closeSent[0] != websocket.CloseInternalServerErr {
		t.Fatalf("expected abnormal close 1011, got %v", conn.closeSent)
	}
	if got := conn.eventsOfType(t, "final"); len(got) != 0 {
		t.Fatalf("expected no final flush after fatal error, got %d", len(got))
	}
	if len(conn.inbound) == 0 {
		t.Fatal("expected the session to end before draining the script")
	}
}

func TestSecondInitRejectedOnceStreaming(t *testing.T) {
	f := &stubFactory{rec: &stubRecognizer{}}
	conn := &fakeConn{inbound: []wsMsg{
		initPCM(16000),
		{kind: websocket.BinaryMessage, data: []byte{1, 2}},
		initPCM(8000),
	}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if len(f.rates) != 1 {
		t.Fatalf("expected a single recognizer construction, got %v", f.rates)
	}
	if got := conn.eventsOfType(t, "error"); len(got) != 1 {
		t.Fatalf("expected one error for duplicate init, got %d", len(got))
	}
}

func TestRecognizerUnavailableIsFatal(t *testing.T) {
	f := &stubFactory{err: errors.New("model not found")}
	conn := &fakeConn{inbound: []wsMsg{initPCM(16000)}}
	New(conn, newTestOptions(f, config.StreamConfig{FrameDurationMS: 20})).Run(context.Background())

	if got := conn.eventsOfType(t, "error"); len(got) != 1 {
		t.Fatalf("expected one error event, got %d", len(got))
	}
	if len(conn.closeSent) != 1 || conn.closeSent[0] != websocket.CloseInternalServerErr {
		t.Fatalf("expected abnormal close 1011, got %v", conn.closeSent)
	}
	if got := conn.eventsOfType(t, "final"); len(got) != 0 {
		t.Fatalf("expected no final flush after fatal error, got %d", len(got))
	}
}
