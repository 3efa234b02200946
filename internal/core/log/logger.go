// Package log 日志接口与 logrus 适配
// 组件只依赖 Logger 接口，测试中换成 NewNopLogger 或 NewTestLogger
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Fields 结构化字段
type Fields = map[string]any

// Logger 组件使用的日志接口
type Logger interface {
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	WithContext(ctx context.Context) Logger
}

// entryLogger 包装 logrus.Entry；With* 返回新的 entry，原值不变
type entryLogger struct {
	*logrus.Entry
}

// NewLogrusLogger 基于 logrus.Logger 创建 Logger
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &entryLogger{logrus.NewEntry(l)}
}

func (e *entryLogger) WithField(key string, value any) Logger {
	return &entryLogger{e.Entry.WithField(key, value)}
}

func (e *entryLogger) WithFields(fields Fields) Logger {
	return &entryLogger{e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *entryLogger) WithError(err error) Logger {
	return &entryLogger{e.Entry.WithError(err)}
}

func (e *entryLogger) WithContext(ctx context.Context) Logger {
	return &entryLogger{e.Entry.WithContext(ctx)}
}
