package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns the process-wide structured logger. JSON to stdout so the log
// shipper can pick it up unchanged; debug level outside production-like envs.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	switch appEnv {
	case "local", "dev":
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// ShutdownFlush is a hook for buffered handlers; the JSON handler writes
// through, so today it is a no-op.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
