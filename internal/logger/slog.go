package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler writes slog records through a zerolog logger, so libraries that log with
// slog end up in the same stream as the rest of the service.
type SlogHandler struct {
	logger zerolog.Logger
	prefix string
}

// Slog returns a slog.Logger backed by logger.
func Slog(logger zerolog.Logger) *slog.Logger {
	return slog.New(NewSlogHandler(logger))
}

func NewSlogHandler(logger zerolog.Logger) *SlogHandler {
	return &SlogHandler{logger: logger}
}

func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	lvl := zerologLevel(level)
	return lvl >= h.logger.GetLevel() && lvl >= zerolog.GlobalLevel()
}

func (h *SlogHandler) Handle(_ context.Context, rec slog.Record) error {
	event := h.logger.WithLevel(zerologLevel(rec.Level))
	if event == nil {
		return nil
	}
	rec.Attrs(func(a slog.Attr) bool {
		event = appendAttr(event, h.prefix, a)
		return true
	})
	event.Msg(rec.Message)
	return nil
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ctx := h.logger.With()
	for _, a := range attrs {
		ctx = appendContextAttr(ctx, h.prefix, a)
	}
	return &SlogHandler{logger: ctx.Logger(), prefix: h.prefix}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SlogHandler{logger: h.logger, prefix: h.prefix + name + "."}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

func appendAttr(e *zerolog.Event, prefix string, a slog.Attr) *zerolog.Event {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return e
	}
	key := prefix + a.Key

	switch v.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range v.Group() {
			e = appendAttr(e, p, ga)
		}
		return e
	case slog.KindString:
		return e.Str(key, v.String())
	case slog.KindInt64:
		return e.Int64(key, v.Int64())
	case slog.KindUint64:
		return e.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return e.Float64(key, v.Float64())
	case slog.KindBool:
		return e.Bool(key, v.Bool())
	case slog.KindDuration:
		return e.Dur(key, v.Duration())
	case slog.KindTime:
		return e.Time(key, v.Time())
	default:
		if err, ok := v.Any().(error); ok {
			return e.AnErr(key, err)
		}
		return e.Interface(key, v.Any())
	}
}

func appendContextAttr(c zerolog.Context, prefix string, a slog.Attr) zerolog.Context {
	v := a.Value.Resolve()
	if a.Key == "" && v.Kind() != slog.KindGroup {
		return c
	}
	key := prefix + a.Key

	switch v.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = key + "."
		}
		for _, ga := range v.Group() {
			c = appendContextAttr(c, p, ga)
		}
		return c
	case slog.KindString:
		return c.Str(key, v.String())
	default:
		return c.Interface(key, v.Any())
	}
}
