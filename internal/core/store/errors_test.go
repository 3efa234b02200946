package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
)

func TestUnavailableCarriesContext(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("redis", "Get", "companion:nonce:x", cause)

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsNotFound(err))

	var ce *coreerrors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "redis", ce.Detail("backend"))
	assert.Equal(t, "Get", ce.Detail("op"))
	assert.Equal(t, "companion:nonce:x", ce.Detail("key"))
	assert.Equal(t, 503, coreerrors.HTTPStatus(err))
}

func TestIsNotFoundThroughWrapping(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("load session: %w", ErrNotFound)))
	assert.False(t, IsUnavailable(ErrNotFound))
}
