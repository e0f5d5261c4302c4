package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "odemis"

// Logger is a slog.Logger whose entries identify the process: service,
// version and pid. Several processes of the same installation log side by
// side, and the pid tells which one hosts a container.
type Logger struct {
	*slog.Logger
}

// New creates the logger of a process. The output is stdout unless the
// configuration asks for stderr.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return NewWithWriter(out, cfg, version)
}

// NewWithWriter is New writing to w. The command line tool uses it to keep
// stdout for its results.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
		slog.Int("pid", os.Getpid()),
	})
	return &Logger{Logger: slog.New(h)}
}

// parseLevel maps debug, info, warn (or warning) and error, in any case, to
// their slog level. Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a logger adding args to every entry.
//
//	log.With("container", "back1").Info("container served")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the logger used until the configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}
