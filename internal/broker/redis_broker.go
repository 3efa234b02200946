package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
)

// channelPrefix Redis 频道前缀，与存储键前缀分开
const channelPrefix = "companion:"

func channelName(topic string) string { return channelPrefix + topic }

// redisSub 一个订阅独占一条 Redis PubSub 连接，由 pump 协程负责关闭 out
type redisSub struct {
	topic  string
	ps     *redis.PubSub
	out    chan *Message
	cancel context.CancelFunc
}

// RedisBroker 基于 Redis Pub/Sub 的跨实例事件总线，与共享存储复用同一个客户端
type RedisBroker struct {
	client redis.UniversalClient
	nodeID string
	logger corelog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBroker 探活后创建；客户端由调用方管理，Close 不会关闭它
func NewRedisBroker(ctx context.Context, client redis.UniversalClient, nodeID string, logger corelog.Logger) (*RedisBroker, error) {
	if client == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "redis client is required")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "broker: redis unreachable")
	}

	b := &RedisBroker{
		client: client,
		nodeID: nodeID,
		logger: corelog.OrDefault(logger).WithField("component", "broker"),
		subs:   make(map[*redisSub]struct{}),
	}
	b.logger.Debugf("Broker: redis pub/sub ready for %s", nodeID)
	return b, nil
}

func (r *RedisBroker) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Publish 以 JSON 信封发布到 companion:<topic>
func (r *RedisBroker) Publish(ctx context.Context, topic string, message []byte) error {
	if r.isClosed() {
		return errBrokerClosed
	}
	data, err := json.Marshal(&Message{Topic: topic, NodeID: r.nodeID, Timestamp: time.Now(), Payload: message})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeInternal, "broker: encode envelope")
	}
	if err := r.client.Publish(ctx, channelName(topic), data).Err(); err != nil {
		return coreerrors.Wrapf(err, coreerrors.CodeStoreUnavailable, "broker: publish %s", topic)
	}
	return nil
}

// Subscribe 等 Redis 确认订阅后才返回，之后的发布不会丢；ctx 结束时订阅自动释放
func (r *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan *Message, error) {
	if r.isClosed() {
		return nil, errBrokerClosed
	}

	ps := r.client.Subscribe(context.Background(), channelName(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, coreerrors.Wrapf(err, coreerrors.CodeStoreUnavailable, "broker: subscribe %s", topic)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{topic: topic, ps: ps, out: make(chan *Message, subscriberBuffer), cancel: cancel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, errBrokerClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go r.pump(pumpCtx, ctx.Done(), sub)
	return sub.out, nil
}

// pump 把 Redis 消息解码后转入订阅通道；通道满时丢弃
func (r *RedisBroker) pump(ctx context.Context, callerDone <-chan struct{}, sub *redisSub) {
	defer func() {
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
		_ = sub.ps.Close()
		close(sub.out)
	}()

	in := sub.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-callerDone:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.WithError(err).Warnf("Broker: undecodable message on %s", m.Channel)
				continue
			}
			select {
			case sub.out <- &msg:
			default:
				r.logger.Warnf("Broker: subscriber on %s is full, message dropped", sub.topic)
			}
		}
	}
}

// Unsubscribe 释放本实例在该主题上的全部订阅；通道在 pump 退出后关闭
func (r *RedisBroker) Unsubscribe(_ context.Context, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errBrokerClosed
	}
	found := false
	for sub := range r.subs {
		if sub.topic == topic {
			sub.cancel()
			found = true
		}
	}
	if !found {
		return coreerrors.Newf(coreerrors.CodeNotFound, "no subscribers for topic: %s", topic)
	}
	return nil
}

// Ping 探活，供健康检查使用
func (r *RedisBroker) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "broker: redis unreachable")
	}
	return nil
}

// Close 停止全部订阅；共享客户端保持打开
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for sub := range r.subs {
		sub.cancel()
	}
	return nil
}
