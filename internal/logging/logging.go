// Package logging builds the broker's structured logger, adapted from
// internal/single/monitoring/logger.go in the teacher repo: zerolog,
// JSON by default, human-readable console output in development.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level mirrors zerolog's levels without exposing the dependency at
// config-parsing call sites.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a zerolog.Logger per cfg: JSON output with timestamp,
// caller and a "service" field by default, or an ANSI console writer
// when Format is FormatPretty.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelFatal:
		level = zerolog.FatalLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "broker"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// InitGlobal builds a logger per cfg and installs it as zerolog's
// global logger, for packages that log via the zerolog/log singleton.
func InitGlobal(cfg Config) {
	log.Logger = New(cfg)
}

// Error logs err with msg and arbitrary context fields.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// ErrorWithStack logs err with a full stack trace, for unexpected
// failures where the call path matters.
func ErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Panic logs a recovered panic value with a stack trace and terminates
// the process (zerolog's Fatal level calls os.Exit(1) after writing).
// Call from a deferred recover() once any required cleanup is done.
func Panic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Fatal().Interface("panic_value", panicValue).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
