// Package logger is a thin tag-based facade over a global zerolog logger.
// Call sites pass a short upper-case tag ("OPT", "EODHD", "DB") and a
// preformatted message.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures Init.
type Config struct {
	Level      string // debug | info | warn | error
	Format     string // console | json
	File       string // optional rotating log file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Out overrides stdout for the console/json stream.
	Out io.Writer
}

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	current.Store(&l)
}

// Init replaces the global logger.
func Init(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lv, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		level = lv
	}
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	var writers []io.Writer
	switch cfg.Format {
	case "", "console", "pretty":
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	case "json":
		writers = append(writers, out)
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(level)
	current.Store(&l)
	return nil
}

// Get returns the global logger for callers that want structured fields.
func Get() *zerolog.Logger {
	return current.Load()
}

func Info(tag, msg string) {
	Get().Info().Str("tag", tag).Msg(msg)
}

// Success logs at info level with an ok marker.
func Success(tag, msg string) {
	Get().Info().Str("tag", tag).Bool("ok", true).Msg(msg)
}

func Warn(tag, msg string) {
	Get().Warn().Str("tag", tag).Msg(msg)
}

func Error(tag, msg string) {
	Get().Error().Str("tag", tag).Msg(msg)
}

func Debug(tag, msg string) {
	Get().Debug().Str("tag", tag).Msg(msg)
}

// Banner prints the startup line.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	Get().Info().Str("version", version).Msg("portfolio-optimizer")
}

// Section marks the start of a logical phase in CLI output.
func Section(title string) {
	Get().Info().Msg("== " + title + " ==")
}

// Stats logs a single key/value figure.
func Stats(key string, value interface{}) {
	Get().Info().Interface(key, value).Msg("stat")
}
