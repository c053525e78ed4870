package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler and prefixes each message with
// the record's level in an ANSI color.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch r.Level {
	case slog.LevelDebug:
		colorCode = "\033[36m" // cyan
	case slog.LevelInfo:
		colorCode = "\033[32m" // green
	case slog.LevelWarn:
		colorCode = "\033[33m" // yellow
	case slog.LevelError:
		colorCode = "\033[31m" // red
	default:
		colorCode = "\033[0m"
	}
	r.Message = colorCode + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
