// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level   string
	Console bool // human-readable output for development

	// File enables a rotated JSON log file next to stdout.
	File           string
	FileMaxSizeMB  int
	FileMaxBackups int
	FileMaxAgeDays int
}

// New returns a logger writing to out and, when opts.File is set, to a
// lumberjack-rotated file. The returned closer flushes the file sink.
func New(out io.Writer, opts Options) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var stdout io.Writer = out
	if opts.Console {
		stdout = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	w := stdout
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.FileMaxSizeMB,
			MaxBackups: opts.FileMaxBackups,
			MaxAge:     opts.FileMaxAgeDays,
			Compress:   true,
		}
		closer = file
		w = zerolog.MultiLevelWriter(stdout, file)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Str("service", "portal-server").Logger()
	return logger, closer
}

// Stdout is New writing to os.Stdout.
func Stdout(opts Options) (zerolog.Logger, io.Closer) {
	return New(os.Stdout, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
