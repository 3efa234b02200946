package registry

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
)

func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("NormalizedKey", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		id := "Device-ID-" + uuid.NewString()[:8]

		_, err := repo.Get(ctx, id)
		assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))

		d, err := repo.Claim(ctx, " "+id+" ", "child-42")
		require.NoError(t, err)
		assert.Equal(t, StateClaimed, d.State)
		assert.NotNil(t, d.ClaimedAt)

		for _, variant := range []string{id, " " + id + " ", "  " + id} {
			got, err := repo.Get(ctx, variant)
			require.NoError(t, err)
			assert.Equal(t, d.ID, got.ID)
		}
	})

	t.Run("ConcurrentClaimUpsert", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		id := "teddy-" + uuid.NewString()[:8]

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Claim(ctx, id, "child-42")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		d, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "child-42", d.CompanionID)
	})

	t.Run("Transitions", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		id := "teddy-" + uuid.NewString()[:8]

		d, err := repo.Register(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatePending, d.State)

		err = repo.SetState(ctx, id, StateActive)
		assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidState))

		_, err = repo.Claim(ctx, id, "child-42")
		require.NoError(t, err)
		require.NoError(t, repo.SetState(ctx, id, StateActive))
		require.NoError(t, repo.SetState(ctx, id, StateInactive))
		require.NoError(t, repo.SetState(ctx, id, StateActive))

		d, err = repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateActive, d.State)
		assert.NotNil(t, d.LastSeenAt)

		again, err := repo.Register(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateActive, again.State, "register must not reset an existing device")

		err = repo.SetState(ctx, "missing-"+id, StateActive)
		assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		return NewMemoryRepository(nil)
	})
}

func TestCachedRepository(t *testing.T) {
	runRepositoryContract(t, func(t *testing.T) Repository {
		repo, err := NewCachedRepository(NewMemoryRepository(nil), 16)
		require.NoError(t, err)
		return repo
	})
}

func TestCachedRepositoryInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRepository(nil)
	repo, err := NewCachedRepository(inner, 16)
	require.NoError(t, err)

	_, err = repo.Claim(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	d, err := repo.Get(ctx, "TEDDY-001")
	require.NoError(t, err)
	assert.Equal(t, StateClaimed, d.State)

	require.NoError(t, repo.SetState(ctx, "Teddy-001", StateActive))
	d, err = repo.Get(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, StateActive, d.State)
}

// 需要真实数据库：COMPANION_TEST_POSTGRES_DSN=postgresql://...
func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("COMPANION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMPANION_TEST_POSTGRES_DSN not set")
	}
	runRepositoryContract(t, func(t *testing.T) Repository {
		repo, err := NewPostgresRepository(context.Background(), PostgresConfig{DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(repo.Close)
		return repo
	})
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateClaimed))
	assert.True(t, CanTransition(StateActive, StateInactive))
	assert.True(t, CanTransition(StateInactive, StateActive))
	assert.False(t, CanTransition(StatePending, StateActive))
	assert.False(t, CanTransition(StateClaimed, StateInactive))
	assert.False(t, CanTransition(StateActive, StatePending))
}

type pingingRepository struct {
	Repository
	err error
}

func (p pingingRepository) Ping(context.Context) error { return p.err }

func TestCachedRepositoryPingDelegates(t *testing.T) {
	ctx := context.Background()

	plain, err := NewCachedRepository(NewMemoryRepository(nil), 8)
	require.NoError(t, err)
	assert.NoError(t, plain.Ping(ctx))

	down, err := NewCachedRepository(pingingRepository{Repository: NewMemoryRepository(nil), err: assert.AnError}, 8)
	require.NoError(t, err)
	assert.ErrorIs(t, down.Ping(ctx), assert.AnError)
}
