package device

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
)

// Backoff 指数退避，全抖动：第 n 次等待 [0, min(max, base*2^n)) 内的随机时长
// 非并发安全，只由状态机协程使用
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rand    func() float64
}

// NewBackoff 创建退避器；base/max 为 0 时使用默认值，rnd 为 nil 时使用 math/rand
func NewBackoff(base, max time.Duration, rnd func() float64) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < base {
		max = base
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Backoff{base: base, max: max, rand: rnd}
}

// Ceiling 当前尝试的等待上限
func (b *Backoff) Ceiling() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// Next 返回本次等待时长并推进计数
func (b *Backoff) Next() time.Duration {
	ceiling := b.Ceiling()
	if ceiling < b.max {
		b.attempt++
	}
	return time.Duration(b.rand() * float64(ceiling))
}

// Attempt 连续失败次数
func (b *Backoff) Attempt() int { return b.attempt }

// Reset 会话进入 Active 后清零
func (b *Backoff) Reset() { b.attempt = 0 }
