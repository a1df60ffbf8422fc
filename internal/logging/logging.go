// Package logging wires slog for the CLI: errors go to stderr so the chat
// stays readable, everything else lands in rotating files under the data
// directory.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	runtimeLogName = "runtime.log"
	traceLogName   = "chat_trace.jsonl"
)

// Options configure Setup.
type Options struct {
	Dir    string
	Level  slog.Level
	Stderr io.Writer
	// Trace enables the chat transcript sink.
	Trace bool
}

// Logs is the configured logger set.
type Logs struct {
	Logger *slog.Logger
	// Trace records chat turns as JSON lines. It discards everything when
	// tracing is off.
	Trace *slog.Logger

	closers []io.Closer
}

// Close flushes and closes the file sinks.
func (l *Logs) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Setup builds the runtime logger and the optional chat trace logger.
func Setup(opts Options) *Logs {
	runtime := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, runtimeLogName),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(runtime, &slog.HandlerOptions{Level: opts.Level}),
	}
	if opts.Stderr != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	logs := &Logs{
		Logger:  slog.New(Fanout(handlers...)),
		Trace:   slog.New(slog.DiscardHandler),
		closers: []io.Closer{runtime},
	}
	if opts.Trace {
		trace := &lumberjack.Logger{
			Filename: filepath.Join(opts.Dir, traceLogName),
			MaxSize:  50,
			MaxAge:   90,
		}
		logs.Trace = slog.New(slog.NewJSONHandler(trace, &slog.HandlerOptions{Level: slog.LevelDebug}))
		logs.closers = append(logs.closers, trace)
	}
	return logs
}

// Fanout returns a handler that forwards each record to every handler
// enabled for its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
