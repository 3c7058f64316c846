package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance every contextual constructor
// derives from.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerolog translates the level name, defaulting unknown names to info
// rather than failing: a mistyped --log-level flag should never take
// down a daemon that is otherwise fine.
func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	// Give callers a usable logger before Init is invoked explicitly,
	// e.g. in tests that import packages using log.WithComponent directly.
	Init(Config{Level: InfoLevel})
}

// Init initializes the global logger. JSON is the machine-facing output
// shape; console output is for humans watching a terminal.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForJob creates a child logger stamped with the two fields every
// job-scoped event needs: the job's id and its function name. job_id is
// the doc-store schema's own field name, so log lines and job documents
// can be joined on it during an incident; the function name is logged
// as "function" (the doc store calls it function_name).
func ForJob(jobID, function string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Str("function", function).Logger()
}

// WithFingerprint creates a child logger with fingerprint field
func WithFingerprint(fp string) zerolog.Logger {
	return Logger.With().Str("fingerprint", fp).Logger()
}

// WithComputeResource creates a child logger with compute_resource_id field
func WithComputeResource(id string) zerolog.Logger {
	return Logger.With().Str("compute_resource_id", id).Logger()
}
