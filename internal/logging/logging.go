// Package logging provides the structured logger used across srcfetch.
package logging

import (
	"io"
	"log/slog"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the logging interface the pipeline packages depend on.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// New returns a human-readable logger writing to w.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           level,
		Prefix:          "srcfetch",
		ReportTimestamp: verbose,
	})
	return slog.New(handler)
}

// With returns l with the given key/value pairs attached, when l supports it.
func With(l Logger, keysAndValues ...interface{}) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(keysAndValues...)
	}
	return &prefixed{inner: l, kv: keysAndValues}
}

type prefixed struct {
	inner Logger
	kv    []interface{}
}

func (p *prefixed) merge(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(p.kv)+len(kv))
	return append(append(out, p.kv...), kv...)
}

func (p *prefixed) Debug(msg string, kv ...interface{}) { p.inner.Debug(msg, p.merge(kv)...) }
func (p *prefixed) Info(msg string, kv ...interface{})  { p.inner.Info(msg, p.merge(kv)...) }
func (p *prefixed) Warn(msg string, kv ...interface{})  { p.inner.Warn(msg, p.merge(kv)...) }
func (p *prefixed) Error(msg string, kv ...interface{}) { p.inner.Error(msg, p.merge(kv)...) }
