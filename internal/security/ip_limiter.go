package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiterConfig 按来源 IP 的令牌桶配置
type IPLimiterConfig struct {
	Rate            float64       // 每秒令牌数
	Burst           int           // 桶容量
	IdleTTL         time.Duration // 空闲多久后回收
	CleanupInterval time.Duration
}

// DefaultIPLimiterConfig 默认配置
func DefaultIPLimiterConfig() IPLimiterConfig {
	return IPLimiterConfig{
		Rate:            20,
		Burst:           40,
		IdleTTL:         10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter 进程内的入口预过滤，在任何共享存储访问之前挡掉洪泛流量
type IPLimiter struct {
	cfg     IPLimiterConfig
	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewIPLimiter 创建并启动回收协程，ctx 取消时停止
func NewIPLimiter(ctx context.Context, cfg IPLimiterConfig) *IPLimiter {
	l := &IPLimiter{cfg: cfg, buckets: make(map[string]*ipBucket)}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(ctx)
	}
	return l
}

// Allow 取一个令牌；返回 false 时附带建议等待时间
func (l *IPLimiter) Allow(ip string) (bool, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *IPLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *IPLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, ip)
		}
	}
}

// Size 当前跟踪的 IP 数
func (l *IPLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
