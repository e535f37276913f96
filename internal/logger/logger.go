// Package logger configures the process-wide slog logger and derives
// request-scoped loggers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Level converts a level name to slog.Level. Unknown names mean info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w in "json" or "text" format.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Setup installs a new logger as the slog default and returns it.
func Setup(w io.Writer, level, format string) *slog.Logger {
	l := New(w, level, format)
	slog.SetDefault(l)
	return l
}

// FromContext returns the default logger tagged with the request id set by
// chi's RequestID middleware, or a fresh id when there is none.
func FromContext(ctx context.Context) *slog.Logger {
	id := middleware.GetReqID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return slog.Default().With("request_id", id)
}
