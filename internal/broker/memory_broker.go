package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
)

var errBrokerClosed = coreerrors.New(coreerrors.CodeInvalidState, "broker is closed")

// localSub 进程内的一个订阅
type localSub struct {
	id      uint64
	out     chan *Message
	dropped atomic.Uint64
	once    sync.Once
}

func (s *localSub) close() {
	s.once.Do(func() { close(s.out) })
}

// MemoryBroker 单进程广播，用于内嵌存储与测试；多个 Server 可共享同一实例模拟集群
type MemoryBroker struct {
	nodeID string
	logger corelog.Logger

	mu     sync.RWMutex
	topics map[string]map[uint64]*localSub
	nextID uint64
	closed bool
}

// NewMemoryBroker 创建内存消息代理
func NewMemoryBroker(nodeID string, logger corelog.Logger) *MemoryBroker {
	return &MemoryBroker{
		nodeID: nodeID,
		logger: corelog.OrDefault(logger),
		topics: make(map[string]map[uint64]*localSub),
	}
}

// Publish 投递给当前所有订阅者；通道已满的订阅者跳过并计数
func (m *MemoryBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &Message{Topic: topic, Payload: message, Timestamp: time.Now(), NodeID: m.nodeID}

	// 持读锁投递，release 与 Close 需要写锁才能关闭通道
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errBrokerClosed
	}
	for _, s := range m.topics[topic] {
		select {
		case s.out <- msg:
		default:
			n := s.dropped.Add(1)
			m.logger.Warnf("MemoryBroker: subscriber %d on %s is full, dropped %d so far", s.id, topic, n)
		}
	}
	return nil
}

// Subscribe 新建订阅；ctx 结束时订阅自动释放并关闭通道
func (m *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errBrokerClosed
	}
	m.nextID++
	s := &localSub{id: m.nextID, out: make(chan *Message, subscriberBuffer)}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[uint64]*localSub)
	}
	m.topics[topic][s.id] = s
	m.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			m.release(topic, s.id)
		}()
	}
	return s.out, nil
}

// release 移除单个订阅
func (m *MemoryBroker) release(topic string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.topics[topic]
	s, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
	s.close()
}

// Unsubscribe 释放主题下的全部订阅
func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errBrokerClosed
	}
	subs := m.topics[topic]
	if len(subs) == 0 {
		return coreerrors.Newf(coreerrors.CodeNotFound, "no subscribers for topic: %s", topic)
	}
	for _, s := range subs {
		s.close()
	}
	delete(m.topics, topic)
	return nil
}

// Close 关闭全部订阅；重复调用无副作用
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.topics {
		for _, s := range subs {
			s.close()
		}
		delete(m.topics, topic)
	}
	return nil
}

// SubscriberCount 主题当前的订阅数
func (m *MemoryBroker) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Dropped 因通道已满而未投递的消息总数
func (m *MemoryBroker) Dropped(topic string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total uint64
	for _, s := range m.topics[topic] {
		total += s.dropped.Load()
	}
	return total
}
