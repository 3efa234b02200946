package security

import (
	"context"
	"crypto/subtle"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store"
)

// ReplayVerdict nonce 检查结果
type ReplayVerdict int

const (
	// NonceFresh 首次出现
	NonceFresh ReplayVerdict = iota
	// NonceRetry 同一 nonce 携带相同 HMAC，视为客户端重试
	NonceRetry
)

func (v ReplayVerdict) String() string {
	if v == NonceRetry {
		return "retry"
	}
	return "fresh"
}

// ReplayGuard 单次使用 nonce 跟踪
// 记录 (device, nonce) -> 首次出现的 HMAC；不同 HMAC 重用同一 nonce 即重放冲突
type ReplayGuard struct {
	store  store.SharedStore
	ttl    time.Duration
	logger corelog.Logger
}

// NewReplayGuard 创建防重放守卫，ttl 应不小于幂等窗口
func NewReplayGuard(s store.SharedStore, ttl time.Duration, logger corelog.Logger) *ReplayGuard {
	return &ReplayGuard{
		store:  s,
		ttl:    ttl,
		logger: corelog.OrDefault(logger),
	}
}

// Check 原子检查并记录 nonce；scope 通常为规范化后的设备标识
// 存储故障一律按 fail-closed 处理
func (g *ReplayGuard) Check(ctx context.Context, scope, nonce, proofHex string) (ReplayVerdict, error) {
	key := store.NonceKey(scope, nonce)

	ok, current, err := g.store.CheckAndSet(ctx, key, nil, []byte(proofHex), g.ttl)
	if err != nil {
		return NonceFresh, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "nonce check failed")
	}
	if ok {
		return NonceFresh, nil
	}
	if current == nil {
		// 记录在 CAS 与读取之间过期，按新 nonce 重新登记
		ok, current, err = g.store.CheckAndSet(ctx, key, nil, []byte(proofHex), g.ttl)
		if err != nil {
			return NonceFresh, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "nonce check failed")
		}
		if ok {
			return NonceFresh, nil
		}
	}

	if subtle.ConstantTimeCompare(current, []byte(proofHex)) == 1 {
		return NonceRetry, nil
	}

	g.logger.WithFields(map[string]interface{}{
		"event": "replay_conflict",
		"scope": scope,
		"nonce": nonce,
	}).Warn("ReplayGuard: nonce reused with a different proof")
	return NonceFresh, coreerrors.New(coreerrors.CodeReplayConflict, "nonce already used with a different proof").
		WithDetail(coreerrors.DetailDeviceID, scope)
}
