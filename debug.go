package unipro

import (
	"context"
	"log/slog"
)

// levelTrace is more verbose than slog.LevelDebug. Only enabled when heavy
// debugging is needed since it logs on the per transfer hot path.
const levelTrace = slog.LevelDebug - 1

func (e *Engine) logerr(msg string, attrs ...slog.Attr) {
	e.logattrs(slog.LevelError, msg, attrs...)
}

func (e *Engine) warn(msg string, attrs ...slog.Attr) {
	e.logattrs(slog.LevelWarn, msg, attrs...)
}

func (e *Engine) info(msg string, attrs ...slog.Attr) {
	e.logattrs(slog.LevelInfo, msg, attrs...)
}

func (e *Engine) debug(msg string, attrs ...slog.Attr) {
	e.logattrs(slog.LevelDebug, msg, attrs...)
}

func (e *Engine) trace(msg string, attrs ...slog.Attr) {
	e.logattrs(levelTrace, msg, attrs...)
}

func (e *Engine) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if e.logger != nil {
		e.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (e *Engine) isLogEnabled(level slog.Level) bool {
	return e.logger != nil && e.logger.Handler().Enabled(context.Background(), level)
}

func attrErr(err error) slog.Attr   { return slog.String("err", err.Error()) }
func attrCPort(cp uint16) slog.Attr { return slog.Uint64("cport", uint64(cp)) }
