package log

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// holder 让 atomic.Value 始终存同一具体类型
type holder struct{ Logger }

var current atomic.Value

func init() {
	// Configure 之前默认丢弃输出，避免测试刷屏
	l := logrus.New()
	l.SetOutput(io.Discard)
	current.Store(holder{NewLogrusLogger(l)})
}

// Default 当前的进程级 Logger
func Default() Logger {
	return current.Load().(holder).Logger
}

// SetDefault 替换进程级 Logger，nil 被忽略
func SetDefault(l Logger) {
	if l != nil {
		current.Store(holder{l})
	}
}

// OrDefault 组件选项里 Logger 为空时回落到默认值
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

func Debugf(format string, args ...any) { Default().Debugf(format, args...) }
func Infof(format string, args ...any)  { Default().Infof(format, args...) }
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }
