package affinity

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

func newRouter(t *testing.T, s *memory.Store, clock *memory.Clock, id, addr string) *Router {
	t.Helper()
	r := NewRouter(s, Config{
		InstanceID:    id,
		AdvertiseAddr: addr,
		Now:           clock.Now,
		Logger:        corelog.NewTestLogger(t),
	})
	t.Cleanup(r.Close)
	return r
}

func TestBindLookupRelease(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	s := memory.New(memory.WithClock(clock.Now))
	a := newRouter(t, s, clock, "gw-a", "10.0.0.1:8080")
	b := newRouter(t, s, clock, "gw-b", "10.0.0.2:8080")

	_, err := a.Lookup(ctx, "teddy-001")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))

	_, err = a.Bind(ctx, "Teddy-001", "")
	require.NoError(t, err)

	got, err := b.Lookup(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, "gw-a", got.InstanceID)
	assert.Equal(t, "10.0.0.1:8080", got.Addr)

	// 设备迁移到 b 后，a 的释放不能删掉 b 的绑定
	_, err = b.Bind(ctx, "teddy-001", "")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, "teddy-001", "gw-a"))

	fresh := newRouter(t, s, clock, "gw-c", "")
	got, err = fresh.Lookup(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, "gw-b", got.InstanceID)

	require.NoError(t, b.Release(ctx, "teddy-001", "gw-b"))
	_, err = b.Lookup(ctx, "teddy-001")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))
}

func TestBindingExpiresAndTouchRebinds(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	s := memory.New(memory.WithClock(clock.Now))
	a := newRouter(t, s, clock, "gw-a", "10.0.0.1:8080")

	_, err := a.Bind(ctx, "teddy-001", "")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	require.NoError(t, a.Touch(ctx, "teddy-001", "gw-a"))
	clock.Advance(50 * time.Minute)

	got, err := newRouter(t, s, clock, "gw-x", "").Lookup(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, "gw-a", got.InstanceID)

	clock.Advance(2 * time.Hour)
	_, err = newRouter(t, s, clock, "gw-y", "").Lookup(ctx, "teddy-001")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))

	require.NoError(t, a.Touch(ctx, "teddy-001", "gw-a"))
	got, err = newRouter(t, s, clock, "gw-z", "").Lookup(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, "gw-a", got.InstanceID)
}

func TestAnnounceResolvesRemoteAddr(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	s := memory.New(memory.WithClock(clock.Now))
	a := newRouter(t, s, clock, "gw-a", "10.0.0.1:8080")
	b := newRouter(t, s, clock, "gw-b", "10.0.0.2:8080")

	require.NoError(t, b.Announce(ctx, time.Minute))
	inst, err := a.Instance(ctx, "gw-b")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8080", inst.Addr)

	// a 代为绑定到 b 时不知道地址，查询时从实例登记补齐
	_, err = a.Bind(ctx, "teddy-002", "gw-b")
	require.NoError(t, err)
	got, err := newRouter(t, s, clock, "gw-c", "").Lookup(ctx, "teddy-002")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8080", got.Addr)

	require.NoError(t, b.Withdraw(ctx))
	_, err = a.Instance(ctx, "gw-b")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))
}

func TestStoreFailureSurfaces(t *testing.T) {
	clock := memory.NewClock(time.Now())
	s := memory.New(memory.WithClock(clock.Now))
	a := newRouter(t, s, clock, "gw-a", "")
	require.NoError(t, s.Close())

	_, err := a.Bind(context.Background(), "teddy-001", "")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable))
}
