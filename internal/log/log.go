package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger built by Setup.
type Options struct {
	// Verbose enables debug output on the console
	Verbose bool
	// File is an optional path that receives a debug-level copy of every record
	File string
	// Writer overrides the console destination (defaults to os.Stderr)
	Writer io.Writer
}

// Setup builds the logger used by the CLI and the integration suite, installs it
// as the slog default and returns it so it can be handed to components.
func Setup(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}

	handlers := []slog.Handler{
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    noColor,
		}),
	}

	if opts.File != "" {
		handlers = append(handlers, slog.NewTextHandler(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    5, // MB
			MaxBackups: 4,
			MaxAge:     30, // days
			Compress:   true,
		}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)

	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }

func Info(msg string, args ...any) { slog.Info(msg, args...) }

func Error(msg string, args ...any) { slog.Error(msg, args...) }
