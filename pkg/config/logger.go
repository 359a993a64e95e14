package config

import (
	"io"
	"log/slog"
	"strings"

	"segkv/pkg/dberrors"
)

// ParseLevel maps a textual level (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, dberrors.InvalidArgument("unknown log level %q", s)
	}
}

// NewLogger builds a JSON or text slog.Logger writing to w.
func NewLogger(cfg LoggerConfig, w io.Writer) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler)
}
