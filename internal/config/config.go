package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "arbiter.db"
	defaultJudgeURL   = "http://localhost:2358"
	defaultSweepAfter = 5 * time.Minute

	envListenAddr     = "ARBITER_LISTEN_ADDR"
	envDBPath         = "ARBITER_DB_PATH"
	envLogLevel       = "ARBITER_LOG_LEVEL"
	envJudgeURL       = "ARBITER_JUDGE_URL"
	envJudgeAuthToken = "ARBITER_JUDGE_AUTH_TOKEN"
	envCallbackURL    = "ARBITER_CALLBACK_URL"
	envCallbackSecret = "ARBITER_CALLBACK_SECRET"
	envJWTSecret      = "ARBITER_JWT_SECRET"
	envSubmitRetries  = "ARBITER_SUBMIT_RETRIES"
	envSweepInterval  = "ARBITER_SWEEP_INTERVAL"
	envSweepAfter     = "ARBITER_SWEEP_AFTER"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Judge engine connection.
	JudgeURL       string
	JudgeAuthToken string
	// CallbackURL is the externally reachable address of this service's
	// callback endpoint, injected into engine submissions.
	CallbackURL string

	// CallbackSecret guards the callback endpoint; empty disables callback
	// authentication.
	CallbackSecret string
	// JWTSecret verifies caller identity tokens; required at startup.
	JWTSecret string

	// SubmitRetries is the number of extra dispatch attempts when the engine
	// is unreachable. Zero fails immediately.
	SubmitRetries int
	// SweepInterval enables the stale-attempt reconciliation sweep when
	// non-zero.
	SweepInterval time.Duration
	// SweepAfter is how long a processing attempt may go without updates
	// before the sweeper queries the engine for it.
	SweepAfter time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		JudgeURL:   defaultJudgeURL,
		SweepAfter: defaultSweepAfter,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envJudgeURL); v != "" {
		cfg.JudgeURL = v
	}
	cfg.JudgeAuthToken = os.Getenv(envJudgeAuthToken)
	cfg.CallbackURL = os.Getenv(envCallbackURL)
	cfg.CallbackSecret = os.Getenv(envCallbackSecret)
	cfg.JWTSecret = os.Getenv(envJWTSecret)

	if v := os.Getenv(envSubmitRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SubmitRetries = n
		}
	}
	if v := os.Getenv(envSweepInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := os.Getenv(envSweepAfter); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepAfter = d
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
