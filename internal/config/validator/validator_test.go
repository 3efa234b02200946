package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/config/schema"
	"companion-gateway/internal/config/source"
	coreerrors "companion-gateway/internal/core/errors"
)

func validConfig() *schema.Root {
	cfg := source.GetDefaultConfig()
	cfg.Security.ServerSalt = "salt"
	cfg.Token.SigningSecret = "secret"
	return cfg
}

func TestValidDefaults(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestDefaultsWithoutSecretsAreRejected(t *testing.T) {
	result := NewValidator().Validate(source.GetDefaultConfig())
	require.False(t, result.IsValid())

	fields := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{"security.server_salt", "token.signing_secret"}, fields)
	assert.Contains(t, result.Error(), "Hint:")
}

func TestValidationRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.Root)
		field  string
	}{
		{"nonce ttl below idempotency ttl", func(c *schema.Root) { c.Security.NonceTTL = time.Minute }, "security.nonce_ttl"},
		{"zero buffer", func(c *schema.Root) { c.Session.BufferSize = 0 }, "session.buffer_size"},
		{"default grace above max", func(c *schema.Root) { c.Drain.DefaultGrace = 2 * time.Minute }, "drain.default_grace"},
		{"unknown policy", func(c *schema.Root) { c.Security.StoreFailure.Resume = "maybe" }, "security.store_failure.resume"},
		{"external redis without addr", func(c *schema.Root) { c.Redis.Mode = schema.RedisModeExternal }, "redis.addr"},
		{"unknown redis mode", func(c *schema.Root) { c.Redis.Mode = "cluster" }, "redis.mode"},
		{"postgres without dsn", func(c *schema.Root) { c.Postgres.Enabled = true }, "postgres.dsn"},
		{"zero message limit", func(c *schema.Root) { c.RateLimit.Message.Limit = 0 }, "ratelimit.message"},
		{"same listeners", func(c *schema.Root) { c.Server.AdminListen = c.Server.Listen }, "server.admin_listen"},
		{"file output without path", func(c *schema.Root) { c.Log.Output = "file" }, "log.file"},
		{"short code", func(c *schema.Root) { c.Pairing.CodeLength = 3 }, "pairing.code_length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := NewValidator().Validate(cfg)
			require.Len(t, result.Errors, 1, result.Error())
			assert.Equal(t, tt.field, result.Errors[0].Field)

			err := result.Err()
			assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
		})
	}
}
