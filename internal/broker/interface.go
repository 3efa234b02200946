// Package broker 网关实例之间的事件总线
package broker

import (
	"context"
	"time"
)

// 总线上的主题
const (
	// TopicSessionSuperseded 同一设备在别的实例上建立了新连接，旧持有者需关闭 4011
	TopicSessionSuperseded = "session.superseded"
	// TopicSessionDeliver 下行消息转给当前持有设备连接的实例
	TopicSessionDeliver = "session.deliver"
	// TopicInstanceDraining 某实例进入排空
	TopicInstanceDraining = "instance.draining"
)

// subscriberBuffer 每个订阅的通道容量，超出时丢弃
const subscriberBuffer = 100

// MessageBroker 尽力而为的广播：不持久化，离线订阅者收不到历史事件
type MessageBroker interface {
	Publish(ctx context.Context, topic string, message []byte) error
	// Subscribe 返回的通道在取消订阅或 Close 后被关闭
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// Message 总线上传递的信封，NodeID 为发布方实例
type Message struct {
	Topic     string    `json:"topic"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload"`
}
