// Package store 定义跨实例共享的 TTL 键值存储抽象
//
// 所有跨连接状态（nonce、幂等记录、会话、续传缓冲、亲和绑定、限流计数）
// 都只经由 SharedStore 访问，组件通过构造参数显式注入，不使用全局单例。
//
// 实现：
//   - memory: 进程内实现，可注入时钟，用于测试和单机开发
//   - redis: go-redis 实现，原子操作基于 SETNX / Lua
//   - embedded: miniredis + redis 实现，单机部署无需外部 Redis
package store

import (
	"context"
	"time"
)

// SharedStore 共享存储接口
type SharedStore interface {
	// Get 获取值，不存在返回 ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set 设置值，ttl 为 0 表示不过期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CheckAndSet 原子比较并设置
	// expected 为 nil 时仅在键不存在时写入；否则仅在当前值等于 expected 时写入。
	// 写入失败时返回当前值（键不存在时为 nil）。
	CheckAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, []byte, error)

	// Expire 重设 TTL，键不存在返回 ErrNotFound
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete 删除键，不存在不报错
	Delete(ctx context.Context, key string) error

	// SlidingWindow 滑动窗口计数
	// 原子地清理 now-window 之前的记录；未达上限时记录本次请求。
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error)

	// Ping 健康检查
	Ping(ctx context.Context) error
}

// WindowResult 滑动窗口结果
type WindowResult struct {
	Allowed bool
	// Count 窗口内的记录数（包含本次，如果被接受）
	Count int
	// RetryAfter 被拒绝时，最早一条记录滑出窗口所需的时间
	RetryAfter time.Duration
}

// Closer 可关闭的存储
type Closer interface {
	Close() error
}
