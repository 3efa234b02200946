package buffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/core/store/memory"
)

func seqs(msgs []Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func TestEnqueueAndAck(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		m, evicted := b.Enqueue("audio", []byte{byte(i)})
		assert.Equal(t, uint64(i+1), m.Seq)
		assert.Zero(t, evicted)
	}

	assert.Equal(t, 2, b.Ack(2))
	assert.Equal(t, []uint64{3, 4, 5}, seqs(b.Unacked()))

	// 过期确认忽略
	assert.Equal(t, 0, b.Ack(1))
	assert.Equal(t, uint64(2), b.LastAcked())

	// 超出已分配序号的确认被截断
	assert.Equal(t, 3, b.Ack(99))
	assert.Equal(t, uint64(5), b.LastAcked())
	assert.Empty(t, b.Unacked())

	m, _ := b.Enqueue("alert", nil)
	assert.Equal(t, uint64(6), m.Seq)
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(3)
	total := 0
	for i := 0; i < 5; i++ {
		_, evicted := b.Enqueue("audio", nil)
		total += evicted
	}
	assert.Equal(t, 2, total)
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, []uint64{3, 4, 5}, seqs(b.Unacked()))
	assert.Equal(t, uint64(2), b.LastAcked())
}

func TestSnapshotRestore(t *testing.T) {
	b := New(4)
	for i := 0; i < 6; i++ {
		b.Enqueue("audio", []byte(fmt.Sprint(i)))
	}
	b.Ack(4)

	r := Restore(b.Snapshot(), 4)
	assert.Equal(t, b.Unacked(), r.Unacked())
	assert.Equal(t, b.LastAcked(), r.LastAcked())
	assert.Equal(t, b.Dropped(), r.Dropped())
	m, _ := r.Enqueue("audio", nil)
	assert.Equal(t, uint64(7), m.Seq)

	// 容量缩小时保留最新部分并计入丢弃
	small := Restore(New(10).Snapshot(), 2)
	assert.Equal(t, uint64(1), small.LastSeq()+1)
	big := New(10)
	for i := 0; i < 5; i++ {
		big.Enqueue("audio", nil)
	}
	shrunk := Restore(big.Snapshot(), 2)
	assert.Equal(t, []uint64{4, 5}, seqs(shrunk.Unacked()))
	assert.Equal(t, uint64(3), shrunk.Dropped())
}

func TestStoreLoadSave(t *testing.T) {
	ctx := context.Background()
	clock := memory.NewClock(time.Now())
	s := NewStore(memory.New(memory.WithClock(clock.Now)), 15*time.Minute, 200)

	h, existed, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	assert.False(t, existed)
	for i := 0; i < 3; i++ {
		h.Buffer.Enqueue("audio", []byte{byte(i)})
	}
	require.NoError(t, h.Save(ctx))

	again, existed, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(again.Buffer.Unacked()))

	// 窗口内再次保存即续期，过期后消失
	clock.Advance(10 * time.Minute)
	require.NoError(t, again.Save(ctx))
	clock.Advance(10 * time.Minute)
	_, existed, err = s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	assert.True(t, existed)

	clock.Advance(16 * time.Minute)
	_, existed, err = s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSaveMergesForeignAppends(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.New(), time.Minute, 200)

	h, _, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	h.Buffer.Enqueue("audio", []byte("a"))
	require.NoError(t, h.Save(ctx))

	// 另一实例在设备离线时追加
	m, _, err := s.Append(ctx, "teddy-001", "child-42", "alert", []byte(`{"level":"info"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Seq)

	h.Buffer.Enqueue("audio", []byte("b"))
	require.NoError(t, h.Save(ctx))

	final, _, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	msgs := final.Buffer.Unacked()
	require.Len(t, msgs, 3)
	assert.Equal(t, "audio", msgs[0].Type)
	assert.Equal(t, []byte("b"), msgs[1].Body)
	assert.Equal(t, "alert", msgs[2].Type)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(msgs))
}

func TestSaveWithoutLocalChangesPicksUpAppends(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.New(), time.Minute, 200)

	h, _, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	require.NoError(t, h.Save(ctx))

	_, _, err = s.Append(ctx, "teddy-001", "child-42", "alert", []byte(`{"level":"info"}`))
	require.NoError(t, err)
	assert.Zero(t, h.Buffer.LastSeq())

	require.NoError(t, h.Save(ctx))
	assert.Equal(t, []uint64{1}, seqs(h.Buffer.Unacked()))
	assert.Equal(t, "alert", h.Buffer.Unacked()[0].Type)
}

func TestFreshDiscardsPreviousBuffer(t *testing.T) {
	ctx := context.Background()
	s := NewStore(memory.New(), time.Minute, 200)
	_, _, err := s.Append(ctx, "teddy-001", "child-42", "audio", []byte("old"))
	require.NoError(t, err)

	h, err := s.Fresh(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	h.Buffer.Enqueue("audio", []byte("new"))
	require.NoError(t, h.Save(ctx))

	got, _, err := s.Load(ctx, "teddy-001", "child-42")
	require.NoError(t, err)
	require.Len(t, got.Buffer.Unacked(), 1)
	assert.Equal(t, []byte("new"), got.Buffer.Unacked()[0].Body)
}

func TestStoreUnavailable(t *testing.T) {
	ms := memory.New()
	s := NewStore(ms, time.Minute, 200)
	require.NoError(t, ms.Close())

	_, _, err := s.Load(context.Background(), "teddy-001", "child-42")
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable))
}
