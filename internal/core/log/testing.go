package log

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// NopLogger 丢弃所有输出
type NopLogger struct{}

// NewNopLogger 创建静默日志
func NewNopLogger() Logger { return NopLogger{} }

func (NopLogger) Debug(...any)                         {}
func (NopLogger) Info(...any)                          {}
func (NopLogger) Warn(...any)                          {}
func (NopLogger) Error(...any)                         {}
func (NopLogger) Debugf(string, ...any)                {}
func (NopLogger) Infof(string, ...any)                 {}
func (NopLogger) Warnf(string, ...any)                 {}
func (NopLogger) Errorf(string, ...any)                {}
func (n NopLogger) WithField(string, any) Logger       { return n }
func (n NopLogger) WithFields(Fields) Logger           { return n }
func (n NopLogger) WithError(error) Logger             { return n }
func (n NopLogger) WithContext(context.Context) Logger { return n }

// TestingT *testing.T 的子集
type TestingT interface {
	Logf(format string, args ...any)
}

// TestLogger 写到 t.Logf，字段按键名排序追加为 key:value
type TestLogger struct {
	t      TestingT
	fields Fields
}

// NewTestLogger 创建测试日志
func NewTestLogger(t TestingT) Logger {
	return &TestLogger{t: t}
}

func (l *TestLogger) emit(level, msg string) {
	if len(l.fields) == 0 {
		l.t.Logf("[%s] %s", level, msg)
		return
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(l.fields)) {
		fmt.Fprintf(&b, " %s:%v", k, l.fields[k])
	}
	l.t.Logf("[%s] %s%s", level, msg, b.String())
}

func (l *TestLogger) Debug(args ...any) { l.emit("DEBUG", fmt.Sprint(args...)) }
func (l *TestLogger) Info(args ...any)  { l.emit("INFO", fmt.Sprint(args...)) }
func (l *TestLogger) Warn(args ...any)  { l.emit("WARN", fmt.Sprint(args...)) }
func (l *TestLogger) Error(args ...any) { l.emit("ERROR", fmt.Sprint(args...)) }

func (l *TestLogger) Debugf(format string, args ...any) { l.emit("DEBUG", fmt.Sprintf(format, args...)) }
func (l *TestLogger) Infof(format string, args ...any)  { l.emit("INFO", fmt.Sprintf(format, args...)) }
func (l *TestLogger) Warnf(format string, args ...any)  { l.emit("WARN", fmt.Sprintf(format, args...)) }
func (l *TestLogger) Errorf(format string, args ...any) { l.emit("ERROR", fmt.Sprintf(format, args...)) }

func (l *TestLogger) WithField(key string, value any) Logger {
	return l.WithFields(Fields{key: value})
}

func (l *TestLogger) WithFields(fields Fields) Logger {
	merged := maps.Clone(l.fields)
	if merged == nil {
		merged = make(Fields, len(fields))
	}
	maps.Copy(merged, fields)
	return &TestLogger{t: l.t, fields: merged}
}

func (l *TestLogger) WithError(err error) Logger { return l.WithField("error", err) }

func (l *TestLogger) WithContext(context.Context) Logger { return l }
