package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/config/schema"
	"companion-gateway/internal/config/source"
	coreerrors "companion-gateway/internal/core/errors"
)

type staticSource struct {
	name     string
	priority int
	apply    func(*schema.Root)
}

func (s staticSource) Name() string                    { return s.name }
func (s staticSource) Priority() int                   { return s.priority }
func (s staticSource) LoadInto(cfg *schema.Root) error { s.apply(cfg); return nil }

func TestLoadRequiresSources(t *testing.T) {
	_, err := NewLoader().Load()
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
}

func TestHigherPriorityWins(t *testing.T) {
	l := NewLoader()
	l.AddSource(staticSource{"high", 10, func(c *schema.Root) { c.Server.InstanceID = "high" }})
	l.AddSource(staticSource{"low", 1, func(c *schema.Root) { c.Server.InstanceID = "low" }})
	l.SetSkipValidate(true)

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "high", cfg.Server.InstanceID)
}

func TestLayeredLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  instance_id: from-file
security:
  server_salt: file-salt
token:
  signing_secret: file-secret
drain:
  default_grace: 20s
`), 0o600))
	t.Setenv("COMPANION_SERVER_INSTANCE_ID", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.InstanceID)
	assert.Equal(t, "file-salt", cfg.Security.ServerSalt.Value())
	assert.Equal(t, 20*time.Second, cfg.Drain.DefaultGrace)
	assert.Equal(t, 60*time.Second, cfg.Drain.MaxGrace)
}

func TestLoadValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session:\n  buffer_size: 0\n"), 0o600))

	_, err := NewBuilder().WithConfigFile(path).WithPrefix("COMPANION_TEST_UNSET").Build().Load()
	require.Error(t, err)
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeConfigError))
	assert.Contains(t, err.Error(), "session.buffer_size")

	cfg, err := NewBuilder().WithConfigFile(path).WithSkipValidate(true).Build().Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Session.BufferSize)
	assert.Equal(t, source.GetDefaultConfig().Session.ResumeWindow, cfg.Session.ResumeWindow)
}
