package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corelog "companion-gateway/internal/core/log"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBroker_CrossInstance(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewRedisBroker(ctx, client, "gw-a", corelog.NewTestLogger(t))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisBroker(ctx, client, "gw-b", corelog.NewTestLogger(t))
	require.NoError(t, err)
	defer b.Close()

	ch, err := b.Subscribe(ctx, TopicSessionSuperseded)
	require.NoError(t, err)

	payload, err := json.Marshal(SessionSupersededMessage{DeviceID: "teddy-001", ConnectionID: "c1", OwnerInstance: "gw-b"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, TopicSessionSuperseded, payload))

	msg := receive(t, ch)
	assert.Equal(t, TopicSessionSuperseded, msg.Topic)
	assert.Equal(t, "gw-a", msg.NodeID)
	assert.Equal(t, payload, msg.Payload)
}

func TestRedisBroker_TopicsAreIsolated(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	b, err := NewRedisBroker(ctx, client, "gw-a", corelog.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	deliver, err := b.Subscribe(ctx, TopicSessionDeliver)
	require.NoError(t, err)
	drain, err := b.Subscribe(ctx, TopicInstanceDraining)
	require.NoError(t, err)

	second, err := b.Subscribe(ctx, TopicSessionDeliver)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicSessionDeliver, []byte(`{"device_id":"teddy-001"}`)))
	assert.Equal(t, TopicSessionDeliver, receive(t, deliver).Topic)
	assert.Equal(t, TopicSessionDeliver, receive(t, second).Topic)
	assert.Empty(t, drain)

	require.NoError(t, b.Unsubscribe(ctx, TopicSessionDeliver))
	_, ok := <-deliver
	assert.False(t, ok)
	_, ok = <-second
	assert.False(t, ok)
	assert.Error(t, b.Unsubscribe(ctx, TopicSessionDeliver))
}

func TestRedisBroker_ConnectFailure(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.Close()

	_, err := NewRedisBroker(context.Background(), client, "gw-a", corelog.NewNopLogger())
	assert.Error(t, err)
}

func TestRedisBroker_ContextEndsSubscription(t *testing.T) {
	_, client := setupTestRedis(t)
	b, err := NewRedisBroker(context.Background(), client, "gw-a", corelog.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, TopicInstanceDraining)
	require.NoError(t, err)
	require.NoError(t, b.Ping(context.Background()))

	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), TopicInstanceDraining, []byte("x")))
}
