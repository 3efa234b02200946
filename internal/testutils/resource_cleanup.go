// Package testutils 测试共用的传输与资源清理工具
package testutils

import (
	"io"
	"testing"
)

// ResourceCleanup 按注册的逆序释放测试资源
type ResourceCleanup struct {
	fns []func()
}

// NewResourceCleanup 创建资源清理工具，并挂到 t.Cleanup
func NewResourceCleanup(t testing.TB) *ResourceCleanup {
	rc := &ResourceCleanup{}
	t.Cleanup(rc.Cleanup)
	return rc
}

// AddCloser 注册 io.Closer，关闭错误忽略
func (rc *ResourceCleanup) AddCloser(c io.Closer) {
	if c == nil {
		return
	}
	rc.fns = append(rc.fns, func() { _ = c.Close() })
}

// AddFunc 注册清理函数
func (rc *ResourceCleanup) AddFunc(fn func()) {
	if fn != nil {
		rc.fns = append(rc.fns, fn)
	}
}

// Cleanup 执行并清空；可重复调用
func (rc *ResourceCleanup) Cleanup() {
	for i := len(rc.fns) - 1; i >= 0; i-- {
		rc.fns[i]()
	}
	rc.fns = nil
}
