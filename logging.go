package parley

import (
	"context"
	"log/slog"
)

// nopLogger discards all output. Used as the default wherever a component
// accepts an optional *slog.Logger.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NopLogger returns a logger that discards everything. Exported for callers
// composing components that want explicit silence.
func NopLogger() *slog.Logger { return nopLogger }
