package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIPLimiterBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewIPLimiter(ctx, IPLimiterConfig{Rate: 1, Burst: 2, IdleTTL: time.Minute})

	ok, _ := l.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)

	ok, wait := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Size())
}

func TestIPLimiterEvictsIdle(t *testing.T) {
	l := NewIPLimiter(context.Background(), IPLimiterConfig{Rate: 1, Burst: 1, IdleTTL: time.Minute})
	l.Allow("10.0.0.1")

	l.evictIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, l.Size())
}
