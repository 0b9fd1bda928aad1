package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	AllowAnyOrigin bool   `yaml:"allow_any_origin"`
	FrontendURL    string `yaml:"frontend_url"`
}

type Config struct {
	RuntimeName     string                `yaml:"runtime_name"`
	Environment     string                `yaml:"environment"`
	HTTP            HTTPConfig            `yaml:"http"`
	Telemetry       TelemetryConfig       `yaml:"telemetry"`
	Bus             BusConfig             `yaml:"bus"`
	Stream          StreamConfig          `yaml:"stream"`
	STT             STTConfig             `yaml:"stt"`
	Decoder         DecoderConfig         `yaml:"decoder"`
	TTS             TTSConfig             `yaml:"tts"`
	NLP             NLPConfig             `yaml:"nlp"`
	TranscriptStore TranscriptStoreConfig `yaml:"transcript_store"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// StreamConfig controls per-session audio handling on the websocket path.
type StreamConfig struct {
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	VADEnabled      bool    `yaml:"vad_enabled"`
	VADThreshold    float64 `yaml:"vad_threshold"`
	HangoverFrames  int     `yaml:"hangover_frames"`
	QueueMaxChunks  int     `yaml:"queue_max_chunks"`
}

type STTConfig struct {
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

type DecoderConfig struct {
	Path string `yaml:"path"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	OutDir     string `yaml:"out_dir"`
}

type NLPConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TranscriptStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "callbot-backend",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			AllowAnyOrigin: true,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Stream: StreamConfig{
			FrameDurationMS: 20,
			VADEnabled:      false,
			VADThreshold:    0.01,
			HangoverFrames:  10,
			QueueMaxChunks:  256,
		},
		STT: STTConfig{
			Mode:       "mock",
			SampleRate: 16000,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
			OutDir:     "./data/tts",
		},
		NLP: NLPConfig{
			URL:       "http://localhost:5005",
			TimeoutMS: 10000,
		},
		TranscriptStore: TranscriptStoreConfig{
			Path:          "./data/callbot-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CALLBOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CALLBOT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CALLBOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CALLBOT_HTTP_PORT")
	overrideBool(&cfg.HTTP.AllowAnyOrigin, "CALLBOT_HTTP_ALLOW_ANY_ORIGIN")
	overrideString(&cfg.HTTP.FrontendURL, "CALLBOT_HTTP_FRONTEND_URL")
	overrideString(&cfg.Telemetry.LogLevel, "CALLBOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CALLBOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CALLBOT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CALLBOT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "CALLBOT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CALLBOT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CALLBOT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CALLBOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CALLBOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CALLBOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CALLBOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CALLBOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CALLBOT_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Stream.FrameDurationMS, "CALLBOT_STREAM_FRAME_DURATION_MS")
	overrideBool(&cfg.Stream.VADEnabled, "CALLBOT_STREAM_VAD_ENABLED")
	overrideFloat(&cfg.Stream.VADThreshold, "CALLBOT_STREAM_VAD_THRESHOLD")
	overrideInt(&cfg.Stream.HangoverFrames, "CALLBOT_STREAM_HANGOVER_FRAMES")
	overrideInt(&cfg.Stream.QueueMaxChunks, "CALLBOT_STREAM_QUEUE_MAX_CHUNKS")
	overrideString(&cfg.STT.Mode, "CALLBOT_STT_MODE")
	overrideString(&cfg.STT.Command, "CALLBOT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "CALLBOT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "CALLBOT_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "CALLBOT_STT_SAMPLE_RATE")
	overrideString(&cfg.Decoder.Path, "CALLBOT_DECODER_PATH")
	overrideBool(&cfg.TTS.Enabled, "CALLBOT_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "CALLBOT_TTS_MODE")
	overrideString(&cfg.TTS.Command, "CALLBOT_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "CALLBOT_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "CALLBOT_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "CALLBOT_TTS_CHANNELS")
	overrideString(&cfg.TTS.OutDir, "CALLBOT_TTS_OUT_DIR")
	overrideString(&cfg.NLP.URL, "CALLBOT_NLP_URL")
	overrideInt(&cfg.NLP.TimeoutMS, "CALLBOT_NLP_TIMEOUT_MS")
	overrideString(&cfg.TranscriptStore.Path, "CALLBOT_TRANSCRIPT_STORE_PATH")
	overrideString(&cfg.TranscriptStore.RetentionMode, "CALLBOT_TRANSCRIPT_STORE_RETENTION_MODE")
	overrideInt(&cfg.TranscriptStore.RetentionDays, "CALLBOT_TRANSCRIPT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TranscriptStore.MaxSessions, "CALLBOT_TRANSCRIPT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.TranscriptStore.VacuumOnStart, "CALLBOT_TRANSCRIPT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Stream.FrameDurationMS <= 0 {
		return errors.New("stream.frame_duration_ms must be positive")
	}
	if cfg.Stream.VADThreshold < 0 || cfg.Stream.VADThreshold > 1 {
		return errors.New("stream.vad_threshold must be between 0 and 1")
	}
	if cfg.Stream.HangoverFrames < 0 {
		return errors.New("stream.hangover_frames must be >= 0")
	}
	if cfg.Stream.QueueMaxChunks < 0 {
		return errors.New("stream.queue_max_chunks must be >= 0")
	}
	switch cfg.STT.Mode {
	case "", "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "", "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.TTS.OutDir == "" {
			return errors.New("tts.out_dir must not be empty")
		}
	}
	if cfg.NLP.URL == "" {
		return errors.New("nlp.url must not be empty")
	}
	if cfg.NLP.TimeoutMS <= 0 {
		return errors.New("nlp.timeout_ms must be positive")
	}
	if cfg.TranscriptStore.Path == "" {
		return errors.New("transcript_store.path must not be empty")
	}
	switch cfg.TranscriptStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TranscriptStore.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	return nil
}
