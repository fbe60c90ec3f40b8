// Package logging holds the slog plumbing shared by every eventlake process.
//
// Loggers are passed in, never looked up globally. A component takes an
// optional *slog.Logger, runs it through Default, and scopes it once with a
// "component" attribute. Output format and levels are decided in main only.
//
// Log at lifecycle boundaries and on failures. Per-event logging on hot
// paths (publish loops, flush loops, page reads) is reserved for errors.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when logger is nil:
//
//	func NewWorker(cfg Config) *Worker {
//	    logger := logging.Default(cfg.Logger).With("component", "worker")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
