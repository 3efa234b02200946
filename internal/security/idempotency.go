package security

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store"
)

// DefaultIdempotencyTTL 默认幂等窗口
const DefaultIdempotencyTTL = 300 * time.Second

// Fingerprint 请求指纹：长度前缀拼接后取 SHA-256
// 设备标识先规范化，其余字段按原样参与
func Fingerprint(deviceID, companionID, nonce, proofHex string) string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, field := range []string{NormalizeDeviceID(deviceID), companionID, nonce, proofHex} {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
		h.Write(lenBuf[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyCache 请求指纹 -> 已序列化的响应
type IdempotencyCache struct {
	store   store.SharedStore
	ttl     time.Duration
	policy  FailurePolicy
	metrics *metrics.Metrics
	logger  corelog.Logger
}

// IdempotencyConfig 幂等缓存配置
type IdempotencyConfig struct {
	TTL     time.Duration
	Policy  FailurePolicy
	Metrics *metrics.Metrics
	Logger  corelog.Logger
}

// NewIdempotencyCache 创建幂等缓存
func NewIdempotencyCache(s store.SharedStore, cfg IdempotencyConfig) *IdempotencyCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	policy := cfg.Policy
	if policy == "" {
		policy = FailClosed
	}
	return &IdempotencyCache{
		store:   s,
		ttl:     ttl,
		policy:  policy,
		metrics: cfg.Metrics,
		logger:  corelog.OrDefault(cfg.Logger),
	}
}

// TTL 幂等窗口
func (c *IdempotencyCache) TTL() time.Duration {
	return c.ttl
}

// Lookup 查找缓存的响应，未命中返回 (nil, false, nil)
func (c *IdempotencyCache) Lookup(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	body, err := c.store.Get(ctx, store.IdempotencyKey(fingerprint))
	switch {
	case err == nil:
		return body, true, nil
	case store.IsNotFound(err):
		return nil, false, nil
	case c.policy == FailOpen:
		c.metrics.StoreFailOpen("idempotency")
		c.logger.WithError(err).Warn("Idempotency: store unavailable, treating lookup as miss")
		return nil, false, nil
	default:
		return nil, false, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "idempotency lookup failed")
	}
}

// Store 首写者胜出；若已有记录则返回已有响应，保证并发重复请求拿到相同字节
func (c *IdempotencyCache) Store(ctx context.Context, fingerprint string, body []byte) ([]byte, error) {
	ok, current, err := c.store.CheckAndSet(ctx, store.IdempotencyKey(fingerprint), nil, body, c.ttl)
	if err != nil {
		if c.policy == FailOpen {
			c.metrics.StoreFailOpen("idempotency")
			c.logger.WithError(err).Warn("Idempotency: store unavailable, response not cached")
			return body, nil
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "idempotency store failed")
	}
	if !ok && current != nil {
		return current, nil
	}
	return body, nil
}
