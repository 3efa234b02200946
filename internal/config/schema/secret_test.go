package schema

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecretMasking(t *testing.T) {
	s := Secret("very-secret-salt")

	assert.Equal(t, "******", s.String())
	assert.Equal(t, "******", fmt.Sprintf("%v", s))
	assert.Equal(t, "very-secret-salt", s.Value())
	assert.Equal(t, []byte("very-secret-salt"), s.Bytes())
	assert.Empty(t, Secret("").String())
	assert.True(t, Secret("").IsEmpty())
}

func TestSecretSerialization(t *testing.T) {
	cfg := TokenConfig{SigningSecret: "jwt-secret", Issuer: "gw"}

	js, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(js), "jwt-secret")
	assert.Contains(t, string(js), `"signing_secret":"******"`)

	ys, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(ys), "jwt-secret")

	var back TokenConfig
	require.NoError(t, yaml.Unmarshal([]byte("signing_secret: from-file\n"), &back))
	assert.Equal(t, "from-file", back.SigningSecret.Value())

	require.NoError(t, json.Unmarshal([]byte(`{"signing_secret":"from-json"}`), &back))
	assert.Equal(t, "from-json", back.SigningSecret.Value())
}

func TestSecretGoStringAndEqual(t *testing.T) {
	s := Secret("very-secret-salt")
	assert.NotContains(t, fmt.Sprintf("%#v", s), "very-secret-salt")
	assert.True(t, s.Equal("very-secret-salt"))
	assert.False(t, s.Equal("very-secret-salt2"))
}
