// Package memory 提供进程内 SharedStore 实现
// 与 redis 实现遵守同一原子性约定，时钟可注入，便于测试 TTL 与滑动窗口
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"companion-gateway/internal/core/store"
)

type item struct {
	value     []byte
	expiresAt time.Time // 零值表示不过期
}

// Store 内存存储
type Store struct {
	mu      sync.Mutex
	items   map[string]item
	windows map[string][]time.Time
	now     func() time.Time
	closed  bool
}

// Option 配置项
type Option func(*Store)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New 创建内存存储
func New(opts ...Option) *Store {
	s := &Store{
		items:   make(map[string]item),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.SharedStore = (*Store)(nil)

// lookup 调用方需持有锁；过期键惰性删除
func (s *Store) lookup(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) checkOpen(op, key string) error {
	if s.closed {
		return store.Unavailable("memory", op, key, errClosed)
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("Get", key); err != nil {
		return nil, err
	}
	it, ok := s.lookup(key)
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(it.value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("Set", key); err != nil {
		return err
	}
	s.items[key] = item{value: clone(value), expiresAt: s.deadline(ttl)}
	return nil
}

func (s *Store) CheckAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("CheckAndSet", key); err != nil {
		return false, nil, err
	}
	cur, exists := s.lookup(key)
	if expected == nil {
		if exists {
			return false, clone(cur.value), nil
		}
	} else if !exists || !bytes.Equal(cur.value, expected) {
		if exists {
			return false, clone(cur.value), nil
		}
		return false, nil, nil
	}
	s.items[key] = item{value: clone(value), expiresAt: s.deadline(ttl)}
	return true, nil, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return store.ErrInvalidTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("Expire", key); err != nil {
		return err
	}
	it, ok := s.lookup(key)
	if !ok {
		return store.ErrNotFound
	}
	it.expiresAt = s.deadline(ttl)
	s.items[key] = it
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("Delete", key); err != nil {
		return err
	}
	delete(s.items, key)
	delete(s.windows, key)
	return nil
}

func (s *Store) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (store.WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("SlidingWindow", key); err != nil {
		return store.WindowResult{}, err
	}

	// 与 redis 实现一致：时间戳 <= now-window 的记录视为滑出
	cutoff := now.Add(-window)
	entries := s.windows[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) < limit {
		kept = append(kept, now)
		sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
		s.windows[key] = kept
		return store.WindowResult{Allowed: true, Count: len(kept)}, nil
	}

	s.windows[key] = kept
	if len(kept) == 0 {
		delete(s.windows, key)
		return store.WindowResult{Allowed: false}, nil
	}
	retry := kept[0].Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return store.WindowResult{Allowed: false, Count: len(kept), RetryAfter: retry}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen("Ping", "")
}

// Close 关闭后所有操作返回 STORE_UNAVAILABLE，用于模拟存储故障
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reopen 恢复可用（测试用）
func (s *Store) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
}

// Len 当前未过期键数量
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}
