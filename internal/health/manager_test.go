package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"companion-gateway/internal/core/store/memory"
)

type fixedCount int

func (f fixedCount) Count() int { return int(f) }

func TestManagerLifecycle(t *testing.T) {
	clock := memory.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager("gw-a", "1.2.0", clock.Now)

	assert.True(t, m.IsHealthy())
	assert.True(t, m.IsAcceptingConnections())

	clock.Advance(time.Minute)
	m.MarkDraining()
	assert.True(t, m.IsDraining())
	assert.False(t, m.IsAcceptingConnections())
	assert.Equal(t, clock.Now(), m.Info().LastStatusChange)

	m.MarkUnhealthy("store down")
	info := m.Info()
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.Equal(t, "store down", info.Details["unhealthy_reason"])
	assert.False(t, info.AcceptingNewConns)

	m.MarkHealthy()
	info = m.Info()
	assert.Equal(t, StatusHealthy, info.Status)
	assert.NotContains(t, info.Details, "unhealthy_reason")
}

func TestManagerInfo(t *testing.T) {
	clock := memory.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager("gw-a", "1.2.0", clock.Now)
	m.SetSessionCounter(fixedCount(7))
	m.SetDetail("region", "eu-west")
	clock.Advance(90 * time.Second)

	info := m.Info()
	assert.Equal(t, "gw-a", info.InstanceID)
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, 7, info.ActiveSessions)
	assert.Equal(t, int64(90), info.Uptime)
	assert.Equal(t, "eu-west", info.Details["region"])

	// 返回的是副本
	info.Details["region"] = "changed"
	assert.Equal(t, "eu-west", m.Info().Details["region"])
}
