// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the backend base
// URL, realtime transport credentials, polling and throttle windows, the
// local state database path, the diagnostics server, and observability.
//
// Realtime credentials are not validated beyond "present":
// when the key or host is missing the transport treats realtime as degraded
// and the rest of the client falls back to REST polling.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manoslocales/fieldclient/internal/sysutil"
)

// RealtimeConfig defines the pub/sub transport settings.
type RealtimeConfig struct {
	AppKey  string // REALTIME_APP_KEY; empty means realtime disabled
	Cluster string // REALTIME_CLUSTER (e.g. "us2")
	Host    string // REALTIME_HOST; overrides the cluster-derived host
	UseTLS  bool   // REALTIME_TLS
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the client.
type Config struct {
	// Backend
	APIBaseURL string // API_BASE_URL, e.g. https://api.example.cl/api/v1

	// Realtime
	Realtime RealtimeConfig

	// Timers and windows
	PollInterval    time.Duration // POLL_INTERVAL: /requests/mine refresh (8s)
	TypingWindow    time.Duration // TYPING_WINDOW: min gap between typing broadcasts (3s)
	TypingDecay     time.Duration // TYPING_DECAY: remote indicator decay (3s)
	TypingDebounce  time.Duration // TYPING_DEBOUNCE: local isTyping reset (1s)
	GeoTimeout      time.Duration // GEO_TIMEOUT: geolocation acquisition bound
	RequestTimeout  time.Duration // REQUEST_TIMEOUT: per REST call
	MaxChatChannels int           // MAX_CHAT_CHANNELS: cap on tracked conversations

	// Geolocation fallback when acquisition fails or is unavailable.
	FallbackLat float64 // FALLBACK_LAT
	FallbackLng float64 // FALLBACK_LNG

	// Notifications
	Locale   string // LOCALE: notification copy locale (BCP 47); unknown falls back to es
	OSNotify bool   // OS_NOTIFY: whether OS notification permission was granted

	// Local state
	StatePath string // STATE_PATH: SQLite file for persisted client state

	// Diagnostics server
	DiagAddr       string   // DIAG_ADDR; empty disables the server
	DiagOrigins    []string // DIAG_CORS_ORIGINS
	GinMode        string   // GIN_MODE: debug|release|test
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxHeaderBytes int

	// Logging
	LogLevel  string // LOG_LEVEL: debug|info|warn|error|fatal|panic
	LogPretty bool   // LOG_PRETTY: pretty console logs in dev

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from the environment (with an optional .env file),
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	// Best-effort: a missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := Config{
		APIBaseURL: strings.TrimRight(getenv("API_BASE_URL", "http://localhost:8080/api/v1"), "/"),

		Realtime: RealtimeConfig{
			AppKey:  getenv("REALTIME_APP_KEY", ""),
			Cluster: getenv("REALTIME_CLUSTER", "us2"),
			Host:    getenv("REALTIME_HOST", ""),
			UseTLS:  getbool("REALTIME_TLS", true),
		},

		PollInterval:    getdur("POLL_INTERVAL", 8*time.Second),
		TypingWindow:    getdur("TYPING_WINDOW", 3*time.Second),
		TypingDecay:     getdur("TYPING_DECAY", 3*time.Second),
		TypingDebounce:  getdur("TYPING_DEBOUNCE", time.Second),
		GeoTimeout:      getdur("GEO_TIMEOUT", 5*time.Second),
		RequestTimeout:  getdur("REQUEST_TIMEOUT", 15*time.Second),
		MaxChatChannels: getint("MAX_CHAT_CHANNELS", 5),

		FallbackLat: getfloat("FALLBACK_LAT", -37.67),
		FallbackLng: getfloat("FALLBACK_LNG", -72.57),

		Locale:   getenv("LOCALE", "es-CL"),
		OSNotify: getbool("OS_NOTIFY", false),

		StatePath: getenv("STATE_PATH", "fieldclient.db"),

		DiagAddr:       getenv("DIAG_ADDR", "127.0.0.1:9180"),
		DiagOrigins:    splitCSV(getenv("DIAG_CORS_ORIGINS", "")),
		GinMode:        strings.ToLower(getenv("GIN_MODE", "release")),
		ReadTimeout:    getdur("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:   getdur("WRITE_TIMEOUT", 20*time.Second),
		MaxHeaderBytes: getint("MAX_HEADER_BYTES", 1<<20),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		OTEL: OTELConfig{
			Enabled: getbool("OTEL_ENABLED", false),
			Endpoint: sysutil.FirstNonEmpty(
				os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
				os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
				"localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "fieldclient"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return cfg, errors.New("API_BASE_URL must not be empty")
	}
	if cfg.PollInterval <= 0 || cfg.RequestTimeout <= 0 || cfg.GeoTimeout <= 0 {
		return cfg, errors.New("intervals and timeouts must be positive durations")
	}
	if cfg.TypingWindow <= 0 || cfg.TypingDecay <= 0 || cfg.TypingDebounce <= 0 {
		return cfg, errors.New("typing windows must be positive durations")
	}
	if cfg.MaxChatChannels < 1 {
		return cfg, errors.New("MAX_CHAT_CHANNELS must be >= 1")
	}
	if cfg.FallbackLat < -90 || cfg.FallbackLat > 90 || cfg.FallbackLng < -180 || cfg.FallbackLng > 180 {
		return cfg, errors.New("fallback coordinate out of range")
	}
	if strings.TrimSpace(cfg.StatePath) == "" {
		return cfg, errors.New("STATE_PATH must not be empty")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return sysutil.IsTruthy(v)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
