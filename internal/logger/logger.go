// Package logger builds zerolog loggers from configuration.
//
// Loggers are constructed once at process start and passed to components;
// nothing here writes to a package-level logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level, destination and format.
type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	Console    bool   `json:"console" yaml:"console"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// New builds a logger writing to the configured output (stdout, stderr).
func New(cfg Config) (zerolog.Logger, error) {
	var out io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		out = os.Stdout
	default:
		return zerolog.Nop(), fmt.Errorf("logger: unknown output %q", cfg.Output)
	}
	return NewWithWriter(cfg, out)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	} else if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logger: %w", err)
		}
		level = parsed
	}

	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}

	l := zerolog.New(w).Level(level)
	if cfg.TimeFormat != "" {
		return l.Hook(timestampHook{layout: cfg.TimeFormat}), nil
	}
	return l.With().Timestamp().Logger(), nil
}

// timestampHook stamps events using its own layout. The Timestamp context
// field always formats with the process-wide zerolog.TimeFieldFormat.
type timestampHook struct {
	layout string
}

func (h timestampHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Str(zerolog.TimestampFieldName, time.Now().Format(h.layout))
}

// Component tags l with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
