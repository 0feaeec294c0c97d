package logger

import (
	"log/slog"
	"os"
)

// New returns the process logger: JSON to stdout. Log values must never
// include PHI plaintext; callers log redaction tokens instead.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
