package server

import (
	"context"

	"companion-gateway/internal/broker"
	"companion-gateway/internal/config/schema"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/session"
)

// ============================================================================
// ServerBuilder - 服务器构建器
// ============================================================================

// ServerBuilder 服务器构建器
// 使用 Builder 模式组装服务器，支持替换存储等基础设施
type ServerBuilder struct {
	config     *schema.Root
	components []Component
	deps       *Dependencies
}

// NewServerBuilder 创建服务器构建器
func NewServerBuilder(config *schema.Root) *ServerBuilder {
	return &ServerBuilder{
		config:     config,
		components: make([]Component, 0),
		deps:       &Dependencies{Config: config},
	}
}

// With 添加组件
func (b *ServerBuilder) With(c Component) *ServerBuilder {
	b.components = append(b.components, c)
	return b
}

// WithLogger 指定日志；未指定时使用全局日志
func (b *ServerBuilder) WithLogger(logger corelog.Logger) *ServerBuilder {
	b.deps.Logger = logger
	return b
}

// WithStore 注入共享存储，多个实例可共用同一个存储
func (b *ServerBuilder) WithStore(s store.SharedStore) *ServerBuilder {
	b.deps.Store = s
	return b
}

// WithBroker 注入实例间消息代理
func (b *ServerBuilder) WithBroker(mb broker.MessageBroker) *ServerBuilder {
	b.deps.Broker = mb
	return b
}

// WithAudioSink 指定上行音频的处理方
func (b *ServerBuilder) WithAudioSink(sink session.AudioSink) *ServerBuilder {
	b.deps.AudioSink = sink
	return b
}

// WithDefaults 添加默认组件（按依赖顺序）
func (b *ServerBuilder) WithDefaults() *ServerBuilder {
	return b.
		With(&StorageComponent{}).
		With(&MetricsComponent{}).
		With(&BrokerComponent{}).
		With(&RegistryComponent{}).
		With(&SecurityComponent{}).
		With(&AuthComponent{}).
		With(&SessionComponent{}).
		With(&HealthComponent{}).
		With(&DrainComponent{}).
		With(&HTTPComponent{})
}

// Build 构建服务器
// 按顺序初始化所有组件；任何组件失败都会停止已初始化的组件并返回错误
func (b *ServerBuilder) Build(ctx context.Context) (*Server, error) {
	if b.config == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "config is required")
	}
	b.deps.InstanceID = instanceID(b.config)
	b.deps.Logger = corelog.OrDefault(b.deps.Logger).WithField("instance", b.deps.InstanceID)

	initialized := make([]Component, 0, len(b.components))
	for _, c := range b.components {
		b.deps.Logger.Debugf("Initializing component: %s", c.Name())

		if err := c.Initialize(ctx, b.deps); err != nil {
			stopComponents(b.deps.Logger, initialized)
			return nil, NewComponentError(c.Name(), err)
		}
		initialized = append(initialized, c)

		b.deps.Logger.Debugf("Component initialized: %s", c.Name())
	}

	return &Server{
		config:     b.config,
		deps:       b.deps,
		components: initialized,
		logger:     b.deps.Logger,
	}, nil
}

// stopComponents 按初始化的逆序停止组件
func stopComponents(logger corelog.Logger, components []Component) {
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(); err != nil {
			logger.WithError(err).Warnf("Component %s stop failed", components[i].Name())
		}
	}
}
