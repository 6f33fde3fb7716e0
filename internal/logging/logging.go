// Package logging builds the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a slog logger for the given environment: JSON at
// info level in production, text at debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}
