package pairing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store/memory"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
)

func newTestService(t *testing.T) (*Service, *memory.Clock) {
	clock := memory.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	s := memory.New(memory.WithClock(clock.Now))
	limiter := security.NewRateLimiter(s, security.RateLimiterConfig{
		Policies: map[security.Scope]security.Policy{
			security.ScopePairing: {Limit: 2, Window: 10 * time.Minute},
		},
		Now:    clock.Now,
		Logger: corelog.NewNopLogger(),
	})
	svc := NewService(s, limiter, ServiceConfig{TTL: 10 * time.Minute, Now: clock.Now, Logger: corelog.NewTestLogger(t)})
	return svc, clock
}

func TestIssueAndSealOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	m, err := svc.Issue(ctx, "child-42", " Teddy-001 ")
	require.NoError(t, err)
	assert.Len(t, m.Code, DefaultCodeLength)
	assert.Equal(t, "teddy-001", m.DeviceID)
	assert.Len(t, m.Key, KeySize)

	sealed, err := svc.Seal(ctx, strings.ToLower(m.Code), NetworkCredentials{SSID: "home"})
	require.NoError(t, err)
	assert.Equal(t, "teddy-001", sealed.DeviceID)

	p, err := DecodePayload(m.Key, sealed.Packet)
	require.NoError(t, err)
	assert.Equal(t, "child-42", p.CompanionID)
	assert.Equal(t, m.Code, p.PairingCode)
	assert.Equal(t, "home", p.NetworkCredentials.SSID)

	_, err = svc.Seal(ctx, m.Code, NetworkCredentials{SSID: "home"})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))
}

func TestIssueRegistersDeviceAsPending(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	devices := registry.NewMemoryRepository(clock.Now)
	svc := NewService(memory.New(memory.WithClock(clock.Now)), nil, ServiceConfig{
		Devices: devices,
		Now:     clock.Now,
		Logger:  corelog.NewTestLogger(t),
	})

	_, err := devices.Get(ctx, "teddy-001")
	require.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))

	_, err = svc.Issue(ctx, "child-42", "Teddy-001")
	require.NoError(t, err)
	d, err := devices.Get(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, d.State)

	// 已认领的设备重新配网不回退状态
	_, err = devices.Claim(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "child-42", "teddy-001")
	require.NoError(t, err)
	d, err = devices.Get(ctx, "teddy-001")
	require.NoError(t, err)
	assert.Equal(t, registry.StateClaimed, d.State)
}

func TestSealAfterExpiry(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	m, err := svc.Issue(ctx, "child-42", "teddy-001")
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)

	_, err = svc.Seal(ctx, m.Code, NetworkCredentials{SSID: "home"})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeNotFound))
}

func TestIssueIsRateLimitedPerDevice(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Issue(ctx, "child-42", "teddy-001")
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "child-42", "TEDDY-001")
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "child-42", "teddy-001")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeRateLimited))

	_, err = svc.Issue(ctx, "", "teddy-001")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidRequest))
}

func TestGenerateCodeCharset(t *testing.T) {
	code, err := GenerateCode(32)
	require.NoError(t, err)
	for _, c := range code {
		assert.Contains(t, codeCharset, string(c))
	}
}
