// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`

	MaxSizeMB  int `mapstructure:"max-size"`
	MaxBackups int `mapstructure:"max-backups"`
	MaxAgeDays int `mapstructure:"max-age"`
}

func DefaultSettings() Settings {
	return Settings{Level: "info", Format: "auto", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init replaces the global logger. Format "auto" picks the console writer
// when stderr is a terminal and JSON otherwise. When File is set, JSON lines
// also go to a rotating file; the returned closer flushes it.
func Init(s Settings) (io.Closer, error) {
	return initWith(s, os.Stderr, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
}

func initWith(s Settings, stderr io.Writer, tty bool) (io.Closer, error) {
	level, err := parseLevel(s.Level)
	if err != nil {
		return nil, err
	}

	var console io.Writer
	switch strings.ToLower(strings.TrimSpace(s.Format)) {
	case "", "auto":
		console = stderr
		if tty {
			console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
		}
	case "console", "text":
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen, NoColor: !tty}
	case "json":
		console = stderr
	default:
		return nil, errors.Errorf("logging: unknown format %q", s.Format)
	}

	var closer io.Closer = nopCloser{}
	w := console
	if s.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    s.MaxSizeMB,
			MaxBackups: s.MaxBackups,
			MaxAge:     s.MaxAgeDays,
		}
		closer = rotating
		w = zerolog.MultiLevelWriter(console, rotating)
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return closer, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "logging: level %q", s)
	}
	return level, nil
}
