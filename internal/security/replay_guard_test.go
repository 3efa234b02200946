package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store/memory"
)

func TestReplayGuard(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	s := memory.New(memory.WithClock(clock.Now))
	g := NewReplayGuard(s, 10*time.Minute, corelog.NewTestLogger(t))

	v, err := g.Check(ctx, "teddy-001", "aa11bb22", "proof-a")
	require.NoError(t, err)
	assert.Equal(t, NonceFresh, v)

	v, err = g.Check(ctx, "teddy-001", "aa11bb22", "proof-a")
	require.NoError(t, err)
	assert.Equal(t, NonceRetry, v)

	_, err = g.Check(ctx, "teddy-001", "aa11bb22", "proof-b")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeReplayConflict))

	// 不同设备的同一 nonce 互不影响
	v, err = g.Check(ctx, "teddy-002", "aa11bb22", "proof-b")
	require.NoError(t, err)
	assert.Equal(t, NonceFresh, v)

	clock.Advance(11 * time.Minute)
	v, err = g.Check(ctx, "teddy-001", "aa11bb22", "proof-b")
	require.NoError(t, err)
	assert.Equal(t, NonceFresh, v)
}

func TestReplayGuardFailsClosed(t *testing.T) {
	s := memory.New()
	g := NewReplayGuard(s, time.Minute, corelog.NewNopLogger())
	_ = s.Close()

	_, err := g.Check(context.Background(), "teddy-001", "aa11bb22", "p")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable))
}
