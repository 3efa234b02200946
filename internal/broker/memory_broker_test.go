package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corelog "companion-gateway/internal/core/log"
)

func receive(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker("gw-a", corelog.NewTestLogger(t))
	defer b.Close()

	ch, err := b.Subscribe(ctx, TopicSessionSuperseded)
	require.NoError(t, err)

	payload, err := json.Marshal(SessionSupersededMessage{DeviceID: "teddy-001", ConnectionID: "c1", OwnerInstance: "gw-a"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, TopicSessionSuperseded, payload))

	msg := receive(t, ch)
	assert.Equal(t, TopicSessionSuperseded, msg.Topic)
	assert.Equal(t, "gw-a", msg.NodeID)

	var got SessionSupersededMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, "teddy-001", got.DeviceID)
	assert.Equal(t, "c1", got.ConnectionID)
}

func TestMemoryBroker_MultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker("gw-a", corelog.NewNopLogger())
	defer b.Close()

	ch1, err := b.Subscribe(ctx, TopicInstanceDraining)
	require.NoError(t, err)
	ch2, err := b.Subscribe(ctx, TopicInstanceDraining)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SubscriberCount(TopicInstanceDraining))

	require.NoError(t, b.Publish(ctx, TopicInstanceDraining, []byte(`{"instance_id":"gw-a"}`)))
	assert.Equal(t, []byte(`{"instance_id":"gw-a"}`), receive(t, ch1).Payload)
	assert.Equal(t, []byte(`{"instance_id":"gw-a"}`), receive(t, ch2).Payload)
}

func TestMemoryBroker_UnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker("gw-a", corelog.NewNopLogger())

	ch, err := b.Subscribe(ctx, TopicSessionDeliver)
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(ctx, TopicSessionDeliver))
	_, ok := <-ch
	assert.False(t, ok)
	assert.Error(t, b.Unsubscribe(ctx, TopicSessionDeliver))

	// 无订阅者时发布直接丢弃
	assert.NoError(t, b.Publish(ctx, TopicSessionDeliver, []byte("x")))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(ctx, TopicSessionDeliver, []byte("x")))
	_, err = b.Subscribe(ctx, TopicSessionDeliver)
	assert.Error(t, err)
}

func TestMemoryBroker_ContextReleasesSubscription(t *testing.T) {
	b := NewMemoryBroker("gw-a", corelog.NewNopLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, TopicSessionSuperseded)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), TopicSessionSuperseded)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SubscriberCount(TopicSessionSuperseded))

	cancel()
	assert.Eventually(t, func() bool { return b.SubscriberCount(TopicSessionSuperseded) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestMemoryBroker_FullSubscriberCountsDrops(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker("gw-a", corelog.NewNopLogger())
	defer b.Close()

	_, err := b.Subscribe(ctx, TopicSessionDeliver)
	require.NoError(t, err)
	for i := 0; i < subscriberBuffer+3; i++ {
		require.NoError(t, b.Publish(ctx, TopicSessionDeliver, []byte("x")))
	}
	assert.Equal(t, uint64(3), b.Dropped(TopicSessionDeliver))
}
