package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "anvil.db"
	defaultPollInterval = 250 * time.Millisecond

	envListenAddr   = "ANVIL_LISTEN_ADDR"
	envDBPath       = "ANVIL_DB_PATH"
	envDatabaseURL  = "ANVIL_DATABASE_URL"
	envLogLevel     = "ANVIL_LOG_LEVEL"
	envExecutorID   = "ANVIL_EXECUTOR_ID"
	envAppVersion   = "ANVIL_APP_VERSION"
	envQueuesFile   = "ANVIL_QUEUES_FILE"
	envPollInterval = "ANVIL_POLL_INTERVAL_MS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	// DBPath is the sqlite database file. Ignored when DatabaseURL is set.
	DBPath string
	// DatabaseURL, when non-empty, selects the Postgres log store.
	DatabaseURL string
	LogLevel    slog.Level
	// ExecutorID identifies this process for claim ownership.
	ExecutorID string
	// AppVersion scopes crash recovery: only pending invocations enqueued
	// under the same version are re-admitted by this executor.
	AppVersion string
	// QueuesFile is an optional YAML file of queue declarations.
	QueuesFile   string
	PollInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// A missing executor id is replaced with a generated one, so two unconfigured
// executors never claim work under the same identity.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		PollInterval: defaultPollInterval,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.ExecutorID = os.Getenv(envExecutorID)
	if cfg.ExecutorID == "" {
		cfg.ExecutorID = uuid.NewString()
	}
	cfg.AppVersion = os.Getenv(envAppVersion)
	cfg.QueuesFile = os.Getenv(envQueuesFile)
	if v := os.Getenv(envPollInterval); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
