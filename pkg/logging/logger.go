package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or text
	File       string // rotating log file, empty disables it
	MaxSizeMB  int
	MaxBackups int
}

// InitLogger builds the global logger and installs it as the slog default.
// Output always goes to stdout and is teed into a rotating file when File is set.
func InitLogger(cfg Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if path := strings.TrimSpace(cfg.File); path != "" {
		out = io.MultiWriter(os.Stdout, NewRotatingFile(path, cfg.MaxSizeMB, cfg.MaxBackups))
	}
	logger := New(out, cfg)
	slog.SetDefault(logger)
	logger.Info("logger initialized",
		slog.String("level", ParseLevel(cfg.Level).String()),
		slog.String("format", cfg.Format),
		slog.String("file", cfg.File))
	return logger
}

// New creates a logger writing to w without touching the slog default.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NewRotatingFile returns a size-rotated log file writer.
func NewRotatingFile(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	if maxSizeMB <= 0 {
		maxSizeMB = 1
	}
	if maxBackups < 0 {
		maxBackups = 0
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(v string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
