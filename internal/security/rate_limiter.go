package security

import (
	"context"
	"strconv"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store"
)

// Scope 限流作用域
type Scope string

const (
	ScopeClaim   Scope = "claim"   // 每设备认领
	ScopePairing Scope = "pairing" // 每设备配对
	ScopeMessage Scope = "message" // 每连接消息
)

// Policy 滑动窗口预算
type Policy struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// Escalation 反复超限升级为临时锁定
type Escalation struct {
	Violations int           `json:"violations" yaml:"violations"`
	Window     time.Duration `json:"window" yaml:"window"`
	Lockout    time.Duration `json:"lockout" yaml:"lockout"`
}

// RateLimiterConfig 限流配置
type RateLimiterConfig struct {
	Policies    map[Scope]Policy
	Escalation  Escalation
	StorePolicy FailurePolicy
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Logger      corelog.Logger
}

// DefaultRateLimiterConfig 默认预算
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Policies: map[Scope]Policy{
			ScopeClaim:   {Limit: 20, Window: time.Minute},
			ScopePairing: {Limit: 5, Window: 10 * time.Minute},
			ScopeMessage: {Limit: 50, Window: 10 * time.Second},
		},
		Escalation: Escalation{
			Violations: 5,
			Window:     10 * time.Minute,
			Lockout:    15 * time.Minute,
		},
		StorePolicy: FailClosed,
	}
}

// RateLimiter 基于共享存储的滑动窗口限流
// 超限返回 RATE_LIMITED 并携带 retry-after；不做永久封禁
type RateLimiter struct {
	store   store.SharedStore
	cfg     RateLimiterConfig
	now     func() time.Time
	metrics *metrics.Metrics
	logger  corelog.Logger
}

// NewRateLimiter 创建限流器
func NewRateLimiter(s store.SharedStore, cfg RateLimiterConfig) *RateLimiter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.StorePolicy == "" {
		cfg.StorePolicy = FailClosed
	}
	return &RateLimiter{
		store:   s,
		cfg:     cfg,
		now:     now,
		metrics: cfg.Metrics,
		logger:  corelog.OrDefault(cfg.Logger),
	}
}

// Policy 返回作用域预算
func (l *RateLimiter) Policy(scope Scope) (Policy, bool) {
	p, ok := l.cfg.Policies[scope]
	return p, ok
}

// Allow 记录一次请求；超限或锁定中返回带 retry-after 的 RATE_LIMITED
func (l *RateLimiter) Allow(ctx context.Context, scope Scope, key string) error {
	policy, ok := l.cfg.Policies[scope]
	if !ok || policy.Limit <= 0 {
		return nil
	}
	key = NormalizeDeviceID(key)
	now := l.now()

	if until, locked, err := l.lockedUntil(ctx, scope, key, now); err != nil {
		return l.storeFailure(scope, err)
	} else if locked {
		return l.reject(scope, key, until.Sub(now), true)
	}

	res, err := l.store.SlidingWindow(ctx, store.RateKey(string(scope), key), now, policy.Window, policy.Limit)
	if err != nil {
		return l.storeFailure(scope, err)
	}
	if res.Allowed {
		return nil
	}

	retry := res.RetryAfter
	if lockout, escalated := l.recordViolation(ctx, scope, key, now); escalated {
		retry = lockout
		return l.reject(scope, key, retry, true)
	}
	return l.reject(scope, key, retry, false)
}

func (l *RateLimiter) lockedUntil(ctx context.Context, scope Scope, key string, now time.Time) (time.Time, bool, error) {
	raw, err := l.store.Get(ctx, store.LockoutKey(string(scope), key))
	if err != nil {
		if store.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	until := time.UnixMilli(ms)
	if !now.Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// recordViolation 记录一次超限；累计达到阈值时设置锁定
func (l *RateLimiter) recordViolation(ctx context.Context, scope Scope, key string, now time.Time) (time.Duration, bool) {
	esc := l.cfg.Escalation
	if esc.Violations <= 0 || esc.Lockout <= 0 {
		return 0, false
	}
	violKey := store.ViolationKey(string(scope), key)
	res, err := l.store.SlidingWindow(ctx, violKey, now, esc.Window, esc.Violations)
	if err != nil {
		l.logger.WithError(err).Warn("RateLimiter: failed to record violation")
		return 0, false
	}
	if res.Allowed && res.Count < esc.Violations {
		return 0, false
	}

	until := now.Add(esc.Lockout)
	if err := l.store.Set(ctx, store.LockoutKey(string(scope), key),
		[]byte(strconv.FormatInt(until.UnixMilli(), 10)), esc.Lockout); err != nil {
		l.logger.WithError(err).Warn("RateLimiter: failed to set lockout")
		return 0, false
	}
	_ = l.store.Delete(ctx, violKey)

	l.logger.WithFields(map[string]interface{}{
		"event":   "rate_limit_lockout",
		"scope":   string(scope),
		"key":     key,
		"lockout": esc.Lockout.String(),
	}).Warn("RateLimiter: repeated violations escalated to lockout")
	return esc.Lockout, true
}

func (l *RateLimiter) reject(scope Scope, key string, retry time.Duration, locked bool) error {
	l.metrics.RateLimited(string(scope))
	msg := "rate limit exceeded"
	if locked {
		msg = "temporarily locked out after repeated violations"
	}
	return coreerrors.New(coreerrors.CodeRateLimited, msg).
		WithRetryAfter(retry).
		WithDetail(coreerrors.DetailScope, string(scope)).
		WithDetail("locked", strconv.FormatBool(locked))
}

func (l *RateLimiter) storeFailure(scope Scope, err error) error {
	if l.cfg.StorePolicy == FailOpen {
		l.metrics.StoreFailOpen("ratelimit_" + string(scope))
		l.logger.WithError(err).Warnf("RateLimiter: store unavailable, allowing %s", scope)
		return nil
	}
	return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "rate limiter store unavailable")
}

// IsLockout 错误是否来自锁定
func IsLockout(err error) bool {
	var e *coreerrors.Error
	if !coreerrors.As(err, &e) {
		return false
	}
	return e.Code == coreerrors.CodeRateLimited && e.Detail("locked") == "true"
}
