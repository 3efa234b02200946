package drain

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion-gateway/internal/broker"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store/memory"
	"companion-gateway/internal/health"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/session"
	"companion-gateway/internal/session/buffer"
	"companion-gateway/internal/session/connstate"
	"companion-gateway/internal/testutils"
	"companion-gateway/internal/token"
)

type fixture struct {
	t        *testing.T
	store    *memory.Store
	issuer   *token.Issuer
	sessions *connstate.Registry
	buffers  *buffer.Store
	metrics  *metrics.Metrics
	health   *health.Manager
	broker   *broker.MemoryBroker
}

func newFixture(t *testing.T) *fixture {
	s := memory.New()
	issuer, err := token.NewIssuer(s, token.Config{SigningSecret: []byte("drain-test-secret")})
	require.NoError(t, err)
	f := &fixture{
		t:        t,
		store:    s,
		issuer:   issuer,
		sessions: connstate.NewRegistry(s, connstate.Config{}),
		buffers:  buffer.NewStore(s, connstate.DefaultResumeWindow, 200),
		metrics:  metrics.New(prometheus.NewRegistry()),
		health:   health.NewManager("gw-a", "test", nil),
		broker:   broker.NewMemoryBroker("gw-a", corelog.NewNopLogger()),
	}
	t.Cleanup(func() { _ = f.broker.Close() })
	return f
}

func (f *fixture) manager(instanceID string) *session.Manager {
	m, err := session.NewManager(session.Deps{
		Tokens:   f.issuer,
		Sessions: f.sessions,
		Buffers:  f.buffers,
	}, session.Config{
		InstanceID:        instanceID,
		HeartbeatInterval: time.Hour,
		ResumeAckTimeout:  time.Hour,
		Metrics:           f.metrics,
		Logger:            corelog.NewTestLogger(f.t),
	})
	require.NoError(f.t, err)
	return m
}

func (f *fixture) coordinator(m *session.Manager, maxGrace time.Duration) *Coordinator {
	return NewCoordinator(m, f.health, Config{
		InstanceID: m.InstanceID(),
		MaxGrace:   maxGrace,
		Broker:     f.broker,
		Metrics:    f.metrics,
		Logger:     corelog.NewTestLogger(f.t),
	})
}

// connect 建立连接，读出 welcome 并下发 n 条未确认的音频
func (f *fixture) connect(m *session.Manager, device string, n int) (*testutils.Pipe, message.Welcome) {
	f.t.Helper()
	pair, err := f.issuer.Issue(device, "child-42")
	require.NoError(f.t, err)
	p := testutils.NewPipe()
	go func() {
		_ = m.Serve(context.Background(), p, session.OpenRequest{DeviceID: device, AccessToken: pair.AccessToken})
	}()
	msg, _ := p.Next(f.t)
	welcome := msg.(message.Welcome)
	for i := 0; i < n; i++ {
		require.NoError(f.t, m.Send(context.Background(), device, "child-42", message.Audio{Payload: []byte{byte(i)}}))
		p.Next(f.t)
	}
	return p, welcome
}

func TestDrainWithoutLoss(t *testing.T) {
	f := newFixture(t)
	m := f.manager("gw-a")
	c := f.coordinator(m, time.Minute)

	events, err := f.broker.Subscribe(context.Background(), broker.TopicInstanceDraining)
	require.NoError(t, err)

	p1, _ := f.connect(m, "teddy-001", 2)
	p2, _ := f.connect(m, "teddy-002", 0)

	var completed atomic.Bool
	c.OnComplete(func(ctx context.Context) { completed.Store(true) })

	st, err := c.Start(context.Background(), "deploy", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateDraining, st.State)
	assert.Equal(t, 2, st.Remaining)
	assert.False(t, f.health.IsAcceptingConnections())

	select {
	case ev := <-events:
		var payload broker.InstanceDrainingMessage
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "gw-a", payload.InstanceID)
		assert.Equal(t, "deploy", payload.Reason)
	case <-time.After(testutils.WaitTimeout):
		t.Fatal("no instance.draining event")
	}

	// 空缓冲的连接在通知后立即关闭
	msg, _ := p2.Next(t)
	assert.Equal(t, "deploy", msg.(message.Drain).Reason)
	assert.Equal(t, message.CloseDraining, p2.WaitClosed(t))

	// 有未确认消息的连接等到确认后关闭
	msg, _ = p1.Next(t)
	assert.Equal(t, int64(1000), msg.(message.Drain).ReconnectAfterMs)
	assert.False(t, p1.Closed())
	p1.Send(t, message.Ack{Seq: 2})
	assert.Equal(t, message.CloseDraining, p1.WaitClosed(t))

	st, err = c.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Zero(t, st.ForceClosed)
	assert.Zero(t, st.Dropped)
	assert.Zero(t, st.Remaining)
	assert.True(t, completed.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.DrainForceClosedTotal))
}

func TestDrainDeadlineForceClosesResumably(t *testing.T) {
	f := newFixture(t)
	a := f.manager("gw-a")
	c := f.coordinator(a, time.Minute)

	p, welcome := f.connect(a, "teddy-001", 3)
	_, err := c.Start(context.Background(), "scale-in", 100*time.Millisecond)
	require.NoError(t, err)

	_, _ = p.Next(t) // drain 通知，设备不确认
	assert.Equal(t, message.CloseDraining, p.WaitClosed(t))
	assert.Equal(t, message.ActionResume, message.CloseDraining.Action())

	require.Eventually(t, func() bool { return c.Status().State == StateDrained }, testutils.WaitTimeout, 10*time.Millisecond)
	st := c.Status()
	assert.Equal(t, 1, st.ForceClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DrainForceClosedTotal))

	// 另一实例接续并重放全部三条
	b := f.manager("gw-b")
	p2, resumed := f.connect(b, "teddy-001", 0)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, welcome.SessionID, resumed.SessionID)
	assert.Equal(t, 3, resumed.ReplayCount)
	for want := uint64(1); want <= 3; want++ {
		_, seq := p2.Next(t)
		assert.Equal(t, want, seq)
	}
}

func TestStartIsIdempotentAndClampsGrace(t *testing.T) {
	f := newFixture(t)
	m := f.manager("gw-a")
	c := f.coordinator(m, 45*time.Second)
	f.connect(m, "teddy-001", 1)

	first, err := c.Start(context.Background(), "deploy", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first.Deadline)
	assert.Equal(t, 45*time.Second, first.Deadline.Sub(*first.StartedAt))

	again, err := c.Start(context.Background(), "other", 0)
	require.NoError(t, err)
	assert.Equal(t, first.StartedAt, again.StartedAt)
	assert.Equal(t, "deploy", again.Reason)
}

func TestDefaultGrace(t *testing.T) {
	f := newFixture(t)
	m := f.manager("gw-a")
	c := NewCoordinator(m, nil, Config{DefaultGrace: 20 * time.Second, MaxGrace: 40 * time.Second})

	st, err := c.Start(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, st.Deadline.Sub(*st.StartedAt))
	assert.Equal(t, "maintenance", st.Reason)
}

func TestCompleteWithoutDrain(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(f.manager("gw-a"), time.Minute)
	_, err := c.Complete(context.Background())
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidState))
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestCompleteContextForcesRemaining(t *testing.T) {
	f := newFixture(t)
	m := f.manager("gw-a")
	c := f.coordinator(m, time.Minute)
	p, _ := f.connect(m, "teddy-001", 1)

	_, err := c.Start(context.Background(), "deploy", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	st, err := c.Complete(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, 1, st.ForceClosed)
	assert.Equal(t, message.CloseDraining, p.WaitClosed(t))

	// 重复 Complete 返回同一结果
	again, err := c.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st, again)
}
