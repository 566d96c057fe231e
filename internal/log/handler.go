package log

import (
	"context"
	"io"
	"log/slog"
	"runtime"

	"github.com/sirupsen/logrus"
)

// patternHandler is a slog.Handler that writes through a logrus logger so
// the pattern formatter can lay out each line.
type patternHandler struct {
	logger *logrus.Logger
	level  slog.Level
	attrs  logrus.Fields
	group  string
}

func newPatternHandler(w io.Writer, level slog.Level, pattern string) *patternHandler {
	if pattern == "" {
		pattern = defaultPattern
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel) // slog does the level check
	l.SetFormatter(&patternFormatter{pattern: pattern, time: defaultTimeLayout})
	return &patternHandler{logger: l, level: level, attrs: logrus.Fields{}}
}

func (h *patternHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *patternHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.attrs)+r.NumAttrs()+1)
	for k, v := range h.attrs {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.group, a)
		return true
	})
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fields[callerKey] = frame
	}

	logrus.NewEntry(h.logger).WithTime(r.Time).WithFields(fields).Log(logrusLevel(r.Level), r.Message)
	return nil
}

func (h *patternHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		addAttr(next.attrs, h.group, a)
	}
	return next
}

func (h *patternHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.group = qualify(h.group, name)
	return next
}

func (h *patternHandler) clone() *patternHandler {
	attrs := make(logrus.Fields, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &patternHandler{logger: h.logger, level: h.level, attrs: attrs, group: h.group}
}

func addAttr(fields logrus.Fields, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		g := qualify(group, a.Key)
		for _, ga := range a.Value.Group() {
			addAttr(fields, g, ga)
		}
		return
	}
	fields[qualify(group, a.Key)] = a.Value.Any()
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}

func logrusLevel(l slog.Level) logrus.Level {
	switch {
	case l >= slog.LevelError:
		return logrus.ErrorLevel
	case l >= slog.LevelWarn:
		return logrus.WarnLevel
	case l >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
