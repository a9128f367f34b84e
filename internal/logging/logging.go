// Package logging wraps slog.Logger with the field names used across biomatch.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with biomatch-specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to w. format is "text" or "json".
func New(w io.Writer, level slog.Level, format string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop discards everything.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// With returns a Logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// LogInsert logs a gallery insert.
func (l *Logger) LogInsert(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "gallery insert failed", "id", id, "error", err)
		return
	}
	l.DebugContext(ctx, "gallery insert completed", "id", id)
}

// LogRemove logs a gallery removal.
func (l *Logger) LogRemove(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "gallery remove failed", "id", id, "error", err)
		return
	}
	l.DebugContext(ctx, "gallery remove completed", "id", id)
}

// LogBatch logs the outcome of a batch operation.
func (l *Logger) LogBatch(ctx context.Context, op string, attempted, failed int, status error) {
	if status != nil {
		l.WarnContext(ctx, "batch completed with failures",
			"op", op,
			"attempted", attempted,
			"failed", failed,
			"status", status,
		)
		return
	}
	l.InfoContext(ctx, "batch completed", "op", op, "count", attempted)
}

// LogSearch logs a single search.
func (l *Logger) LogSearch(ctx context.Context, gallerySize, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed", "gallery_size", gallerySize, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed", "gallery_size", gallerySize, "results", results)
}

// LogCluster logs a clustering run.
func (l *Logger) LogCluster(ctx context.Context, templates, clusters int, hint float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "cluster failed", "templates", templates, "error", err)
		return
	}
	args := []any{"templates", templates, "clusters", clusters}
	if hint > 0 {
		args = append(args, "hint", hint)
	}
	l.InfoContext(ctx, "cluster completed", args...)
}
