package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/core/store"
)

func TestEmbeddedStoreTTL(t *testing.T) {
	s, err := New("companion:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Set(ctx, "affinity:teddy-001", []byte("node-a"), time.Hour))
	assert.True(t, s.Server().Exists("companion:affinity:teddy-001"))

	s.FastForward(time.Hour + time.Second)
	_, err = s.Get(ctx, "affinity:teddy-001")
	assert.True(t, store.IsNotFound(err))
	assert.NotEmpty(t, s.Addr())
}
