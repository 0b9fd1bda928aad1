package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohsin-356/callbot/internal/bus"
	"github.com/mohsin-356/callbot/internal/config"
	"github.com/mohsin-356/callbot/internal/decoder"
	"github.com/mohsin-356/callbot/internal/natsserver"
	"github.com/mohsin-356/callbot/internal/nlp"
	"github.com/mohsin-356/callbot/internal/session"
	"github.com/mohsin-356/callbot/internal/stt"
	"github.com/mohsin-356/callbot/internal/transcript"
	"github.com/mohsin-356/callbot/internal/tts"
)

// Runtime assembles the speech pipeline and the HTTP surface around it: the
// websocket streaming endpoint, the one-shot REST endpoints, and telemetry.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	decoderPath string
	factory     stt.Factory
	store       *transcript.Store
	ttsService  *tts.Service
	nlpClient   *nlp.Client
	busClient   *bus.Client
	natsServer  *natsserver.EmbeddedServer

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds all components, serves HTTP until ctx is cancelled, then
// shuts everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.buildComponents(ctx); err != nil {
		return err
	}

	metrics, err := session.NewMetrics()
	if err != nil {
		return fmt.Errorf("create stream metrics: %w", err)
	}

	var publisher session.TranscriptPublisher
	if r.busClient != nil {
		publisher = bus.NewPublisher(r.busClient)
	}

	streamHandler := session.NewHandler(session.Options{
		Logger:        r.logger,
		Stream:        r.cfg.Stream,
		NewRecognizer: r.factory,
		DecoderPath:   r.decoderPath,
		Sink:          r.store,
		Publisher:     publisher,
		Metrics:       metrics,
	}, r.cfg.HTTP.AllowAnyOrigin)

	mux := http.NewServeMux()
	mux.Handle("/ws/stt", streamHandler)
	mux.HandleFunc("/api/health", r.handleAPIHealth)
	mux.HandleFunc("/api/db/ping", r.handleDBPing)
	mux.HandleFunc("/api/stt", r.handleOneShotSTT)
	mux.HandleFunc("/api/tts", r.handleTTS)
	mux.HandleFunc("/api/nlp", r.handleNLP)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	if r.cfg.TTS.Enabled {
		mux.Handle("/audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(r.cfg.TTS.OutDir))))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.withCORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Bool("decoder_available", r.decoderPath != ""))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.busClient.Close()
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("transcript store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) buildComponents(ctx context.Context) error {
	r.decoderPath = decoder.Locate(r.cfg.Decoder.Path)
	if r.decoderPath == "" {
		r.logger.Warn("ffmpeg not found, compressed audio streams will be rejected")
	}

	factory, err := stt.NewFactory(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer factory: %w", err)
	}
	r.factory = factory

	store, err := transcript.Open(ctx, r.cfg.TranscriptStore, r.logger)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	r.store = store

	if r.cfg.TTS.Enabled {
		svc, err := tts.NewService(r.cfg.TTS, r.logger)
		if err != nil {
			return fmt.Errorf("create tts service: %w", err)
		}
		r.ttsService = svc
	}

	r.nlpClient = nlp.NewClient(r.cfg.NLP.URL, time.Duration(r.cfg.NLP.TimeoutMS)*time.Millisecond)

	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = ns

		busCfg := r.cfg.Bus
		if ns != nil {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
		r.busClient = client
	}

	return nil
}

// withCORS reflects the configured frontend origin on REST responses and
// answers preflight requests. The websocket endpoint has its own origin
// policy in the upgrader.
func (r *Runtime) withCORS(next http.Handler) http.Handler {
	origin := r.cfg.HTTP.FrontendURL
	if r.cfg.HTTP.AllowAnyOrigin {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
