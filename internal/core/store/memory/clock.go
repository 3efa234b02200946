package memory

import (
	"sync"
	"time"
)

// Clock 可手动推进的时钟，测试中同时注入存储和被测组件
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 从给定时间开始
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now 当前时间
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时钟
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
