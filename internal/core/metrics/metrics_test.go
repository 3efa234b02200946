package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Claim("success")
	m.Claim("success")
	m.Claim("replay_conflict")
	m.ReplayConflict()
	m.RateLimited("claim")
	m.DroppedMessages(3)
	m.DroppedMessages(0)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ClaimsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayConflictsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DroppedMessagesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Claim("x")
		m.ReplayConflict()
		m.RateLimited("message")
		m.SessionOpened()
		m.SessionClosed()
		m.Resume("ok")
		m.DroppedMessages(1)
		m.MalformedFrame()
		m.DrainForceClosed(2)
		m.StoreFailOpen("resume")
		m.TokenRefresh("ok")
	})
}
