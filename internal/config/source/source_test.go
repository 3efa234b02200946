package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/config/schema"
	coreerrors "companion-gateway/internal/core/errors"
)

func TestDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, 300*time.Second, cfg.Security.IdempotencyTTL)
	assert.Equal(t, 600*time.Second, cfg.Security.NonceTTL)
	assert.Equal(t, 8, cfg.Security.NonceHexLen)
	assert.Equal(t, schema.FailClosed, cfg.Security.StoreFailure.Resume)
	assert.Equal(t, 10*time.Minute, cfg.Token.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.Token.RefreshTTL)
	assert.Equal(t, 15*time.Minute, cfg.Session.ResumeWindow)
	assert.Equal(t, 200, cfg.Session.BufferSize)
	assert.Equal(t, 16*1024, cfg.Session.MaxBinaryFrame)
	assert.Equal(t, schema.WindowPolicy{Limit: 50, Window: 10 * time.Second}, cfg.RateLimit.Message)
	assert.Equal(t, 5, cfg.RateLimit.Escalation.Violations)
	assert.Equal(t, 6, cfg.Pairing.CodeLength)
	assert.True(t, cfg.Redis.IsEmbedded())
	assert.True(t, cfg.Security.ServerSalt.IsEmpty())
}

func TestYAMLSourceOverridesOnlyPresentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  instance_id: gw-a
redis:
  mode: external
  addr: redis:6379
session:
  resume_window: 5m
ratelimit:
  message:
    limit: 10
security:
  server_salt: file-salt
  store_failure:
    resume: open
`), 0o600))

	cfg := GetDefaultConfig()
	require.NoError(t, NewYAMLSource(path, filepath.Join(dir, "missing.yaml")).LoadInto(cfg))

	assert.Equal(t, "gw-a", cfg.Server.InstanceID)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.False(t, cfg.Redis.IsEmbedded())
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Session.ResumeWindow)
	assert.Equal(t, 200, cfg.Session.BufferSize)
	assert.Equal(t, 10, cfg.RateLimit.Message.Limit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Message.Window)
	assert.Equal(t, "file-salt", cfg.Security.ServerSalt.Value())
	assert.Equal(t, schema.FailOpen, cfg.Security.StoreFailure.Resume)
	assert.Equal(t, schema.FailClosed, cfg.Security.StoreFailure.Idempotency)
}

func TestYAMLSourceRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: [not, a, map"), 0o600))

	err := NewYAMLSource(path).LoadInto(GetDefaultConfig())
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestEnvSource(t *testing.T) {
	t.Setenv("COMPANION_SERVER_INSTANCE_ID", "gw-env")
	t.Setenv("COMPANION_TOKEN_SIGNING_SECRET", "env-secret")
	t.Setenv("COMPANION_SESSION_BUFFER_SIZE", "64")
	t.Setenv("COMPANION_RATELIMIT_CLAIM_LIMIT", "3")
	t.Setenv("COMPANION_RATELIMIT_CLAIM_WINDOW", "30s")
	t.Setenv("COMPANION_RATELIMIT_IP_RATE", "2.5")
	t.Setenv("COMPANION_POSTGRES_MAX_CONNS", "4")
	t.Setenv("COMPANION_SECURITY_AUTO_REGISTER", "true")
	t.Setenv("COMPANION_DRAIN_MAX_GRACE", "not-a-duration")

	cfg := GetDefaultConfig()
	s := NewEnvSource("")
	assert.Equal(t, "env", s.Name())
	require.NoError(t, s.LoadInto(cfg))

	assert.Equal(t, "gw-env", cfg.Server.InstanceID)
	assert.Equal(t, "env-secret", cfg.Token.SigningSecret.Value())
	assert.Equal(t, 64, cfg.Session.BufferSize)
	assert.Equal(t, schema.WindowPolicy{Limit: 3, Window: 30 * time.Second}, cfg.RateLimit.Claim)
	assert.InDelta(t, 2.5, cfg.RateLimit.IP.Rate, 0.001)
	assert.Equal(t, int32(4), cfg.Postgres.MaxConns)
	assert.True(t, cfg.Security.AutoRegister)
	// unparsable values keep the previous value
	assert.Equal(t, 60*time.Second, cfg.Drain.MaxGrace)
}

func TestOrdered(t *testing.T) {
	sources := []Source{NewEnvSource(""), NewDefaultSource(), NewYAMLSource()}
	ordered := Ordered(sources)
	assert.Equal(t, []string{"defaults", "yaml", "env"}, []string{ordered[0].Name(), ordered[1].Name(), ordered[2].Name()})
	assert.Equal(t, "env", sources[0].Name(), "input slice is left untouched")
}

func TestYAMLSourceExpandsEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_TEST_SECRET", "from-env-secret")
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token:
  signing_secret: ${GATEWAY_TEST_SECRET}
server:
  instance_id: ${GATEWAY_TEST_UNSET_VAR}
`), 0o600))

	cfg := GetDefaultConfig()
	require.NoError(t, NewYAMLSource(path).LoadInto(cfg))
	assert.Equal(t, "from-env-secret", cfg.Token.SigningSecret.Value())
	assert.Equal(t, "${GATEWAY_TEST_UNSET_VAR}", cfg.Server.InstanceID)
}

func TestYAMLSourceEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg := GetDefaultConfig()
	require.NoError(t, NewYAMLSource(path).LoadInto(cfg))
	assert.Equal(t, 200, cfg.Session.BufferSize)
}

func TestFindConfigFile(t *testing.T) {
	assert.Equal(t, "/explicit.yaml", FindConfigFile("/explicit.yaml"))
}
