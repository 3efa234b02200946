package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store/memory"
)

func TestFingerprint(t *testing.T) {
	base := Fingerprint("teddy-001", "child-42", "aa11bb22", "ff")
	assert.Equal(t, base, Fingerprint(" Teddy-001 ", "child-42", "aa11bb22", "ff"))
	assert.NotEqual(t, base, Fingerprint("teddy-001", "child-42", "aa11bb22", "fe"))
	// 长度前缀避免字段边界歧义
	assert.NotEqual(t, Fingerprint("ab", "c", "n", "h"), Fingerprint("a", "bc", "n", "h"))
	assert.Len(t, base, 64)
}

func TestIdempotencyFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	cache := NewIdempotencyCache(memory.New(), IdempotencyConfig{Logger: corelog.NewNopLogger()})
	assert.Equal(t, DefaultIdempotencyTTL, cache.TTL())

	_, hit, err := cache.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, hit)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results [][]byte
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, err := cache.Store(ctx, "fp", []byte{byte('a' + i)})
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, body)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
	cached, hit, err := cache.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, results[0], cached)
}

func TestIdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	cache := NewIdempotencyCache(memory.New(memory.WithClock(clock.Now)), IdempotencyConfig{TTL: time.Minute})

	_, err := cache.Store(ctx, "fp", []byte("x"))
	require.NoError(t, err)
	clock.Advance(61 * time.Second)

	_, hit, err := cache.Lookup(ctx, "fp")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIdempotencyFailurePolicy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_ = s.Close()

	closed := NewIdempotencyCache(s, IdempotencyConfig{Policy: FailClosed})
	_, _, err := closed.Lookup(ctx, "fp")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable))
	_, err = closed.Store(ctx, "fp", []byte("x"))
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable))

	open := NewIdempotencyCache(s, IdempotencyConfig{Policy: FailOpen, Logger: corelog.NewNopLogger()})
	_, hit, err := open.Lookup(ctx, "fp")
	assert.NoError(t, err)
	assert.False(t, hit)
	body, err := open.Store(ctx, "fp", []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("x"), body)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	p, err = ParseFailurePolicy(" OPEN ")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	_, err = ParseFailurePolicy("maybe")
	assert.Error(t, err)
}
