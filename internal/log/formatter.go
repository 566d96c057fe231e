package log

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	defaultPattern    = "%time %level %msg %field\n"
	defaultTimeLayout = "2006-01-02 15:04:05.000"

	// callerKey carries the slog call site through entry.Data.
	callerKey = "\x00caller"
)

// patternFormatter renders entries through a pattern holding the
// placeholders %time, %level, %msg, %field, %caller and %func.
type patternFormatter struct {
	pattern string
	time    string
}

func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	frame, _ := entry.Data[callerKey].(runtime.Frame)

	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", strings.ToUpper(entry.Level.String()),
		"%msg", entry.Message,
		"%field", buildFields(entry.Data),
		"%caller", caller(frame),
		"%func", funcName(frame),
	)
	return []byte(r.Replace(f.pattern)), nil
}

// caller renders package/file.go:line.
func caller(frame runtime.Frame) string {
	if frame.File == "" {
		return "unknown"
	}
	pkg := ""
	if fn := frame.Function; fn != "" {
		if slash := strings.LastIndex(fn, "/"); slash >= 0 {
			fn = fn[slash+1:]
		}
		if dot := strings.Index(fn, "."); dot > 0 {
			pkg = fn[:dot]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, filepath.Base(frame.File), frame.Line)
}

func funcName(frame runtime.Frame) string {
	if frame.Function == "" {
		return "unknown"
	}
	if dot := strings.LastIndex(frame.Function, "."); dot >= 0 && dot+1 < len(frame.Function) {
		return frame.Function[dot+1:]
	}
	return frame.Function
}

// buildFields renders key=value pairs sorted by key.
func buildFields(data logrus.Fields) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == callerKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := data[k].(string)
		if !ok {
			v = fmt.Sprint(data[k])
		}
		fields = append(fields, k+"="+v)
	}
	return strings.Join(fields, ",")
}
