package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()

	logger.Info("ignored")
	logger.Errorf("ignored %d", 1)

	_, ok := logger.WithField("k", "v").(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithError(errors.New("x")).(NopLogger)
	assert.True(t, ok)
	_, ok = logger.WithContext(context.Background()).(NopLogger)
	assert.True(t, ok)
}

type recordingT struct {
	lines []string
}

func (r *recordingT) Logf(format string, args ...interface{}) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func TestTestLoggerFields(t *testing.T) {
	rec := &recordingT{}
	logger := NewTestLogger(rec)

	logger.WithField("device_id", "teddy-001").Warnf("Claim: rejected %s", "replay")
	logger.Info("plain")

	require.Len(t, rec.lines, 2)
	assert.Contains(t, rec.lines[0], "[WARN] Claim: rejected replay")
	assert.Contains(t, rec.lines[0], "device_id:teddy-001")
	assert.Equal(t, "[INFO] plain", rec.lines[1])
}

func TestLogrusLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	NewLogrusLogger(l).WithFields(map[string]interface{}{"scope": "claim"}).Info("Limiter: rejected")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "claim", entry["scope"])
	assert.Equal(t, "Limiter: rejected", entry["msg"])
}

func TestConfigureFileOutput(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	logger, closer, err := Configure(Config{Level: "debug", Format: "json", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Debug("Server: started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Server: started")
	assert.Same(t, logger, Default())
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	_, _, err := Configure(Config{Level: "verbose"})
	assert.Error(t, err)

	_, _, err = Configure(Config{Output: "file"})
	assert.Error(t, err)

	_, _, err = Configure(Config{Format: "xml", Output: "stderr"})
	assert.Error(t, err)
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, Default(), OrDefault(nil))
	nop := NewNopLogger()
	assert.Equal(t, nop, OrDefault(nop))
}
