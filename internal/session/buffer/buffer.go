// Package buffer 下行消息重放缓冲
//
// 每个 (device, companion) 一份，序号从 1 开始单调递增。
// 缓冲满时淘汰最旧的未确认消息并计入 Dropped，淘汰不会静默发生。
package buffer

import (
	"sync"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 200

// Message 已编号的下行消息
type Message struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// State 可持久化的缓冲快照
type State struct {
	NextSeq   uint64    `json:"next_seq"`
	LastAcked uint64    `json:"last_acked"`
	Dropped   uint64    `json:"dropped"`
	Messages  []Message `json:"messages"`
}

// ResumeBuffer 有界的未确认消息队列
type ResumeBuffer struct {
	mu        sync.Mutex
	capacity  int
	nextSeq   uint64
	lastAcked uint64
	dropped   uint64
	messages  []Message
}

// New 创建缓冲
func New(capacity int) *ResumeBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ResumeBuffer{capacity: capacity, nextSeq: 1}
}

// Enqueue 追加消息并分配序号；溢出时返回本次被淘汰的条数
func (b *ResumeBuffer) Enqueue(typ string, body []byte) (Message, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Message{Seq: b.nextSeq, Type: typ, Body: body}
	b.nextSeq++
	b.messages = append(b.messages, m)

	evicted := 0
	for len(b.messages) > b.capacity {
		b.messages = b.messages[1:]
		evicted++
	}
	if evicted > 0 {
		b.dropped += uint64(evicted)
		// 被淘汰的消息再也无法重放，确认位置随之前移
		if first := b.messages[0].Seq; first > b.lastAcked+1 {
			b.lastAcked = first - 1
		}
	}
	return m, evicted
}

// Ack 累计确认到 seq；过期的确认被忽略，超过已分配序号的确认被截断
// 返回本次新确认的条数
func (b *ResumeBuffer) Ack(seq uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last := b.nextSeq - 1; seq > last {
		seq = last
	}
	if seq <= b.lastAcked {
		return 0
	}
	b.lastAcked = seq

	n := 0
	for n < len(b.messages) && b.messages[n].Seq <= seq {
		n++
	}
	b.messages = append([]Message(nil), b.messages[n:]...)
	return n
}

// Unacked 按序返回未确认消息的副本
func (b *ResumeBuffer) Unacked() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Len 未确认条数
func (b *ResumeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// LastAcked 最近确认的序号
func (b *ResumeBuffer) LastAcked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAcked
}

// LastSeq 最近分配的序号
func (b *ResumeBuffer) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Dropped 因溢出淘汰的累计条数
func (b *ResumeBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Capacity 容量
func (b *ResumeBuffer) Capacity() int {
	return b.capacity
}

// Snapshot 导出快照
func (b *ResumeBuffer) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		NextSeq:   b.nextSeq,
		LastAcked: b.lastAcked,
		Dropped:   b.dropped,
		Messages:  append([]Message(nil), b.messages...),
	}
}

// Restore 由快照恢复；快照超出容量时保留最新的部分
func Restore(st State, capacity int) *ResumeBuffer {
	b := New(capacity)
	if st.NextSeq > 0 {
		b.nextSeq = st.NextSeq
	}
	b.lastAcked = st.LastAcked
	b.dropped = st.Dropped
	msgs := st.Messages
	if over := len(msgs) - b.capacity; over > 0 {
		msgs = msgs[over:]
		b.dropped += uint64(over)
	}
	b.messages = append([]Message(nil), msgs...)
	return b
}
