package courier

// Structured logging setup. Engines log through the process-wide slog
// default; the level and handler format come from the engine config's
// `log:` block so an operator can turn on debug tracing (per-call
// trace_id lines from the matcher and callIP) without a rebuild.

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogConfig selects the process-wide logging setup.
type LogConfig struct {
	// Level: debug | info | warn | error. Default info. Debug enables
	// per-call tracing (send/resend/redirect lines keyed by trace_id).
	Level string `yaml:"level"`

	// Format: json | text. Default json, matching log shippers; text is
	// for reading a single node's output by eye.
	Format string `yaml:"format"`
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.Newf("unknown log level %q", s)
	}
}

func newLogHandler(format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(os.Stderr, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stderr, opts), nil
	default:
		return nil, errors.Newf("unknown log format %q", format)
	}
}

// InitLogging configures the global slog logger from cfg. Call once at
// program startup before creating any engines, typically with the
// Config.Log block.
func InitLogging(cfg LogConfig) error {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	handler, err := newLogHandler(cfg.Format, level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// InitLogger is the programmatic shorthand for tools and tests: JSON to
// stderr at the given level.
func InitLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
