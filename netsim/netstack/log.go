// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"context"
	"log/slog"
)

// debugHandler is a [slog.Handler] emitting every record at most at
// [slog.LevelDebug].
//
// The TCP control block reports each rejected segment as an error,
// yet a rejected segment is routine for a lossy link.
type debugHandler struct {
	handler slog.Handler
}

var _ slog.Handler = debugHandler{}

func newDebugHandler(handler slog.Handler) debugHandler {
	return debugHandler{handler: handler}
}

// Enabled implements [slog.Handler].
func (h debugHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, min(level, slog.LevelDebug))
}

// Handle implements [slog.Handler].
func (h debugHandler) Handle(ctx context.Context, record slog.Record) error {
	record.Level = min(record.Level, slog.LevelDebug)
	return h.handler.Handle(ctx, record)
}

// WithAttrs implements [slog.Handler].
func (h debugHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup implements [slog.Handler].
func (h debugHandler) WithGroup(name string) slog.Handler {
	return debugHandler{handler: h.handler.WithGroup(name)}
}
