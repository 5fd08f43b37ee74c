package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once   sync.Once
	logger *slog.Logger
	closer io.Closer
)

// Options controls where and how the global logger writes.
type Options struct {
	Level  string // debug | info | warn | error
	Format string // json | text

	// File enables a rotating log file instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup initializes the global logger with the given level and JSON output on stderr.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	Configure(Options{Level: level})
}

// Configure initializes the global logger once. Later calls are ignored.
// stdout is reserved for command results, so logs go to stderr unless a file is set.
func Configure(opts Options) {
	once.Do(func() {
		var w io.Writer = os.Stderr
		if opts.File != "" {
			lj := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   opts.Compress,
			}
			w = lj
			closer = lj
		}
		logger = New(w, opts.Level, opts.Format)
		slog.SetDefault(logger)
	})
}

// New builds a standalone logger writing to w. Used by Configure and by tests
// that need to capture output.
func New(w io.Writer, level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
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

// Close flushes and closes the rotating log file, if one was opened.
func Close() error {
	if closer == nil {
		return nil
	}
	return closer.Close()
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob returns a logger with the job_id field set.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
