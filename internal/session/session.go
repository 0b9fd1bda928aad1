// Package session implements the per-connection state machine of the
// streaming transcription endpoint: control message dispatch, audio routing
// through the decoder and the voice activity gate into the recognizer, and
// result emission back to the client.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mohsin-356/callbot/internal/config"
	"github.com/mohsin-356/callbot/internal/decoder"
	"github.com/mohsin-356/callbot/internal/protocol"
	"github.com/mohsin-356/callbot/internal/stt"
	"github.com/mohsin-356/callbot/internal/vad"
)

type state int

const (
	stateAwaitingInit state = iota
	stateStreaming
	stateFinalizing
	stateClosed
)

type mode int

const (
	modeUninitialized mode = iota
	modePCM
	modeDecoded
)

const writeWait = 5 * time.Second

// Conn is the subset of *websocket.Conn the session drives. It exists so
// tests can script a connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// TranscriptSink records session rows and committed transcripts. A nil sink
// is valid.
type TranscriptSink interface {
	RecordSession(ctx context.Context, sessionID, mode string, sampleRate int) error
	RecordFinal(ctx context.Context, sessionID, text string) error
}

// TranscriptPublisher mirrors transcript events onto the bus. A nil
// publisher is valid.
type TranscriptPublisher interface {
	PublishTranscript(sessionID, text string, partial bool) error
}

// Options carries the process-wide collaborators a session needs. The
// decoder path is resolved once at startup and read-only here.
type Options struct {
	Logger        *slog.Logger
	Stream        config.StreamConfig
	NewRecognizer stt.Factory
	DecoderPath   string
	Detector      vad.Detector
	Sink          TranscriptSink
	Publisher     TranscriptPublisher
	Metrics       *Metrics
}

// Session owns all state for one connection. It runs on a single goroutine;
// the only concurrent activity is the decoder's pipe reader, which hands PCM
// over through its frame queue.
type Session struct {
	id   string
	conn Conn
	opts Options
	log  *slog.Logger

	state      state
	mode       mode
	sampleRate int
	mimeType   string

	rec  stt.Recognizer
	gate *vad.Gate
	dec  *decoder.Process

	finalized       bool
	framesProcessed uint64
	bytesIn         uint64
}

// New constructs a session in the AwaitingInit state.
func New(conn Conn, opts Options) *Session {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:   id,
		conn: conn,
		opts: opts,
		log:  logger.With(slog.String("component", "session"), slog.String("session_id", id)),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session until the client disconnects, requests
// finalization, or a fatal error occurs. Teardown is guaranteed on every
// exit path.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	s.opts.Metrics.addSession(ctx)
	s.log.Info("stream session opened")

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Info("client disconnected", slog.String("reason", err.Error()))
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if done := s.handleText(ctx, data); done {
				return
			}
		case websocket.BinaryMessage:
			if done := s.handleAudio(ctx, data); done {
				return
			}
		}
	}
}

// handleText dispatches one parsed control frame. Returns true when the
// session is finished.
func (s *Session) handleText(ctx context.Context, data []byte) bool {
	ctl := ParseControl(data)
	switch ctl.Kind {
	case ControlWord:
		s.log.Info("finalization requested", slog.String("word", ctl.Word))
		s.finalize(ctx)
		return true
	case ControlInit:
		return s.handleInit(ctx, ctl.Init)
	default:
		// Unrecognized text frames are ignored.
		return false
	}
}

func (s *Session) handleInit(ctx context.Context, init protocol.InitMessage) bool {
	if s.mode != modeUninitialized {
		// Re-init is only a recovery path: allowed while a declared decoded
		// stream never actually started decoding.
		if !(s.mode == modeDecoded && s.dec == nil && s.framesProcessed == 0) {
			s.sendError(ctx, "session already initialized")
			return false
		}
		if err := s.rec.Close(); err != nil {
			s.log.Warn("recognizer close failed", slogError(err))
		}
		s.rec = nil
	}

	switch {
	case init.Mode == "pcm":
		if init.SampleRate <= 0 {
			s.sendError(ctx, "init with mode=pcm requires a positive sampleRate")
			return false
		}
		return s.startStreaming(ctx, modePCM, init.SampleRate, "")
	case init.MimeType != "":
		// Decoder startup is deferred until the first audio bytes arrive.
		return s.startStreaming(ctx, modeDecoded, decoder.TargetSampleRate, init.MimeType)
	default:
		s.sendError(ctx, "init requires mode=pcm with sampleRate, or a mimeType")
		return false
	}
}

func (s *Session) startStreaming(ctx context.Context, m mode, sampleRate int, mimeType string) bool {
	rec, err := s.opts.NewRecognizer(sampleRate)
	if err != nil {
		s.log.Error("recognizer unavailable", slogError(err))
		s.fatal(ctx, "speech recognizer unavailable")
		return true
	}

	gate, err := vad.NewGate(vad.Config{
		Enabled:        s.opts.Stream.VADEnabled,
		SampleRate:     sampleRate,
		FrameMS:        s.opts.Stream.FrameDurationMS,
		Threshold:      s.opts.Stream.VADThreshold,
		HangoverFrames: s.opts.Stream.HangoverFrames,
		Detector:       s.opts.Detector,
	})
	if err != nil {
		_ = rec.Close()
		s.log.Error("vad gate construction failed", slogError(err))
		s.fatal(ctx, "invalid stream parameters")
		return true
	}

	s.rec = rec
	s.gate = gate
	s.mode = m
	s.sampleRate = sampleRate
	s.mimeType = mimeType
	s.state = stateStreaming

	modeName := "pcm"
	if m == modeDecoded {
		modeName = "transcoded"
	}
	if s.opts.Sink != nil {
		if err := s.opts.Sink.RecordSession(ctx, s.id, modeName, sampleRate); err != nil {
			s.log.Warn("record session failed", slogError(err))
		}
	}
	s.log.Info("streaming started",
		slog.String("mode", modeName),
		slog.Int("sample_rate", sampleRate),
		slog.String("mime_type", mimeType))
	return false
}

// handleAudio routes one binary frame according to the session mode. Returns
// true when a fatal condition ended the session.
func (s *Session) handleAudio(ctx context.Context, data []byte) bool {
	s.bytesIn += uint64(len(data))
	s.opts.Metrics.addAudioBytes(ctx, int64(len(data)))

	switch s.mode {
	case modeUninitialized:
		s.sendError(ctx, "audio received before init; send an init message first")
		return false
	case modePCM:
		s.process(ctx, data)
		return false
	default:
		return s.handleCompressed(ctx, data)
	}
}

func (s *Session) handleCompressed(ctx context.Context, data []byte) bool {
	if s.dec == nil {
		if s.opts.DecoderPath == "" {
			s.sendError(ctx, "no audio decoder available; re-init with mode=pcm to stream raw audio")
			return false
		}
		dec, err := decoder.Start(s.opts.DecoderPath, s.mimeType, s.opts.Stream.QueueMaxChunks, s.log)
		if err != nil {
			s.log.Error("decoder launch failed", slogError(err))
			s.fatal(ctx, "audio decoder failed to start")
			return true
		}
		s.dec = dec
	}

	if s.dec.Exited() {
		s.log.Error("decoder exited unexpectedly")
		s.fatal(ctx, "audio decoder terminated unexpectedly")
		return true
	}

	if err := s.dec.Feed(data); err != nil {
		// A single failed write is recoverable; a dead process is not.
		if s.dec.Exited() {
			s.log.Error("decoder exited unexpectedly", slogError(err))
			s.fatal(ctx, "audio decoder terminated unexpectedly")
			return true
		}
		s.log.Warn("decoder feed failed", slogError(err))
		s.sendError(ctx, "failed to decode audio chunk")
		return false
	}

	for _, chunk := range s.dec.Drain() {
		s.process(ctx, chunk)
	}
	return false
}

// process pushes PCM through the gate and feeds the surviving frames to the
// recognizer, emitting result events in frame order. One inbound chunk
// produces at most one partial event, after any committed segments.
func (s *Session) process(ctx context.Context, pcm []byte) {
	frames := s.gate.Push(pcm)
	if len(frames) == 0 {
		return
	}

	fed := 0
	sawFinal := false
	for _, frame := range frames {
		final, err := s.rec.Feed(frame.PCM)
		if err != nil {
			// Transient decode failure on one frame: log and skip.
			s.log.Warn("recognizer feed failed", slogError(err))
			s.opts.Metrics.addError(ctx)
			continue
		}
		fed++
		s.framesProcessed++
		if final {
			sawFinal = true
			s.commitSegment(ctx)
		}
	}
	s.opts.Metrics.addFrames(ctx, int64(fed))

	if fed > 0 && !sawFinal {
		partial := s.rec.Partial()
		s.sendJSON(protocol.NewResult(partial, false))
		if partial != "" && s.opts.Publisher != nil {
			if err := s.opts.Publisher.PublishTranscript(s.id, partial, true); err != nil {
				s.log.Warn("publish partial failed", slogError(err))
			}
		}
	}
}

func (s *Session) commitSegment(ctx context.Context) {
	text, err := s.rec.Final()
	if err != nil {
		s.log.Warn("segment commit failed", slogError(err))
		return
	}
	s.sendJSON(protocol.NewResult(text, true))
	s.recordFinal(ctx, text)
}

func (s *Session) recordFinal(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if s.opts.Sink != nil {
		if err := s.opts.Sink.RecordFinal(ctx, s.id, text); err != nil {
			s.log.Warn("record transcript failed", slogError(err))
		}
	}
	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.PublishTranscript(s.id, text, false); err != nil {
			s.log.Warn("publish transcript failed", slogError(err))
		}
	}
}

// finalize flushes the recognizer and emits the end-of-session final event.
// Send failures are swallowed: the socket may already be gone. Idempotent.
func (s *Session) finalize(ctx context.Context) {
	if s.finalized {
		return
	}
	s.finalized = true
	s.state = stateFinalizing

	if s.rec != nil {
		text, err := s.rec.Final()
		if err != nil {
			s.log.Warn("final flush failed", slogError(err))
		} else {
			s.sendJSON(protocol.NewFinal(text))
			s.recordFinal(ctx, text)
		}
	}
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// fatal reports an unrecoverable condition and closes abnormally. The final
// flush is suppressed; teardown still runs.
func (s *Session) fatal(ctx context.Context, message string) {
	s.sendError(ctx, message)
	s.finalized = true
	s.state = stateFinalizing
	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message), deadline)
}

// teardown releases subprocess and recognizer resources exactly once, on
// every exit path: normal close, client stop, protocol error, disconnect.
func (s *Session) teardown(ctx context.Context) {
	s.finalize(ctx)
	if s.dec != nil {
		s.dec.Stop()
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.Warn("recognizer close failed", slogError(err))
		}
	}
	_ = s.conn.Close()
	s.state = stateClosed
	s.log.Info("stream session closed",
		slog.Uint64("frames_processed", s.framesProcessed),
		slog.Uint64("bytes_in", s.bytesIn))
}

func (s *Session) sendError(ctx context.Context, message string) {
	s.opts.Metrics.addError(ctx)
	s.sendJSON(protocol.NewError(message))
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("marshal event failed", slogError(err))
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Debug("send failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
