package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes application logging. When Dir is set the structured
// log is duplicated into Dir/rdswatch.log with lumberjack rotation, and
// StatusWriter provides the rotating compact status stream.
type Config struct {
	Level  string `toml:"level" mapstructure:"level"`   // debug|info|warn|error
	Format string `toml:"format" mapstructure:"format"` // text|json
	Color  bool   `toml:"color" mapstructure:"color"`

	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

func (c Config) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) rotating(name string) io.WriteCloser {
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, name),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewSlogger builds the application logger from the config.
func (c Config) NewSlogger() *slog.Logger {
	var w io.Writer = os.Stdout
	if c.Dir != "" {
		_ = os.MkdirAll(c.Dir, 0o750)
		w = io.MultiWriter(os.Stdout, c.rotating("rdswatch.log"))
	}
	opts := &slog.HandlerOptions{Level: c.level()}
	var h slog.Handler
	if strings.ToLower(c.Format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else if c.Color {
		h = NewColorTextHandler(w, opts, true)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// StatusWriter returns the rotating writer for the compact one-line
// status stream, or nil when file logging is disabled.
func (c Config) StatusWriter() io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	_ = os.MkdirAll(c.Dir, 0o750)
	return c.rotating("status.log")
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
