// Package logging installs the process-wide slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how much to log.
type Options struct {
	Level slog.Level
	// File, when set, sends logs to a rotating file instead of stderr.
	File       string
	MaxSizeMB  int // default 10
	MaxBackups int // default 3
}

// Setup installs the default logger: colored tint output on stderr, or a
// text handler on a rotating file. The returned closer flushes the file;
// it is a no-op for stderr.
func Setup(opts Options) io.Closer {
	if opts.File == "" {
		slog.SetDefault(slog.New(newConsoleHandler(os.Stderr, opts.Level)))
		return nopCloser{}
	}

	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		Compress:   true,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level})))
	return w
}

func newConsoleHandler(w io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
