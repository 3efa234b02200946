// Package storetest 为 SharedStore 实现提供统一的契约测试
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/core/store"
)

// Harness 被测存储与推进 TTL 时间的方法
type Harness struct {
	Store   store.SharedStore
	Advance func(d time.Duration)
}

// Factory 每个子测试创建独立实例
type Factory func(t *testing.T) Harness

// Run 执行全部契约用例
func Run(t *testing.T, factory Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("SetGetTTL", func(t *testing.T) { testSetGetTTL(t, factory(t)) })
	t.Run("CheckAndSetAbsent", func(t *testing.T) { testCheckAndSetAbsent(t, factory(t)) })
	t.Run("CheckAndSetExpected", func(t *testing.T) { testCheckAndSetExpected(t, factory(t)) })
	t.Run("CheckAndSetConcurrent", func(t *testing.T) { testCheckAndSetConcurrent(t, factory(t)) })
	t.Run("Expire", func(t *testing.T) { testExpire(t, factory(t)) })
	t.Run("SlidingWindow", func(t *testing.T) { testSlidingWindow(t, factory(t)) })
}

func testGetMissing(t *testing.T, h Harness) {
	_, err := h.Store.Get(context.Background(), "nope")
	assert.True(t, store.IsNotFound(err))
	assert.NoError(t, h.Store.Delete(context.Background(), "nope"))
}

func testSetGetTTL(t *testing.T, h Harness) {
	ctx := context.Background()
	require.NoError(t, h.Store.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, h.Store.Set(ctx, "forever", []byte("x"), 0))

	got, err := h.Store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	h.Advance(time.Minute + time.Second)

	_, err = h.Store.Get(ctx, "k")
	assert.True(t, store.IsNotFound(err))
	_, err = h.Store.Get(ctx, "forever")
	assert.NoError(t, err)
}

func testCheckAndSetAbsent(t *testing.T, h Harness) {
	ctx := context.Background()

	ok, cur, err := h.Store.CheckAndSet(ctx, "nonce", nil, []byte("hmac-a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, cur)

	ok, cur, err = h.Store.CheckAndSet(ctx, "nonce", nil, []byte("hmac-b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte("hmac-a"), cur)

	h.Advance(2 * time.Minute)
	ok, _, err = h.Store.CheckAndSet(ctx, "nonce", nil, []byte("hmac-b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired record must not block a new write")
}

func testCheckAndSetExpected(t *testing.T, h Harness) {
	ctx := context.Background()

	ok, cur, err := h.Store.CheckAndSet(ctx, "sess", []byte("old"), []byte("new"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, cur)

	require.NoError(t, h.Store.Set(ctx, "sess", []byte("old"), time.Minute))

	ok, cur, err = h.Store.CheckAndSet(ctx, "sess", []byte("other"), []byte("new"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []byte("old"), cur)

	ok, _, err = h.Store.CheckAndSet(ctx, "sess", []byte("old"), []byte("new"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := h.Store.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func testCheckAndSetConcurrent(t *testing.T, h Harness) {
	ctx := context.Background()
	const workers = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := h.Store.CheckAndSet(ctx, "race", nil, []byte("x"), time.Minute)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testExpire(t *testing.T, h Harness) {
	ctx := context.Background()

	assert.True(t, store.IsNotFound(h.Store.Expire(ctx, "missing", time.Minute)))

	require.NoError(t, h.Store.Set(ctx, "slide", []byte("v"), time.Minute))
	h.Advance(50 * time.Second)
	require.NoError(t, h.Store.Expire(ctx, "slide", time.Minute))
	h.Advance(50 * time.Second)

	_, err := h.Store.Get(ctx, "slide")
	assert.NoError(t, err, "expire must extend the deadline")

	assert.ErrorIs(t, h.Store.Expire(ctx, "slide", 0), store.ErrInvalidTTL)
}

func testSlidingWindow(t *testing.T, h Harness) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Second

	r, err := h.Store.SlidingWindow(ctx, "w", t0, window, 2)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Count)

	r, err = h.Store.SlidingWindow(ctx, "w", t0.Add(time.Second), window, 2)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 2, r.Count)

	r, err = h.Store.SlidingWindow(ctx, "w", t0.Add(2*time.Second), window, 2)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, 8*time.Second, r.RetryAfter)

	// 按 RetryAfter 等待后必然被接受
	r, err = h.Store.SlidingWindow(ctx, "w", t0.Add(2*time.Second).Add(r.RetryAfter), window, 2)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	assert.Equal(t, 2, r.Count)

	// 不同键互不影响
	r, err = h.Store.SlidingWindow(ctx, "w2", t0, window, 1)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}
