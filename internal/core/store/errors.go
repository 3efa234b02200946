package store

import (
	"errors"

	coreerrors "companion-gateway/internal/core/errors"
)

// 后端实现返回的哨兵错误，调用方用 errors.Is 判断
var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidTTL = errors.New("invalid ttl")
)

// Unavailable 后端故障统一归为 STORE_UNAVAILABLE，backend/op/key 放进 detail 便于排查
func Unavailable(backend, op, key string, cause error) error {
	e := coreerrors.Wrapf(cause, coreerrors.CodeStoreUnavailable, "%s store: %s failed", backend, op).
		WithDetail("backend", backend).
		WithDetail("op", op)
	if key != "" {
		e = e.WithDetail("key", key)
	}
	return e
}

// IsNotFound 是否为键不存在
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable 是否为存储不可用；由各组件按自己的故障策略决定放行或拒绝
func IsUnavailable(err error) bool {
	return coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable)
}
