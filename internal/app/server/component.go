package server

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"companion-gateway/internal/affinity"
	"companion-gateway/internal/broker"
	"companion-gateway/internal/claim"
	"companion-gateway/internal/config/schema"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/drain"
	"companion-gateway/internal/health"
	"companion-gateway/internal/httpservice"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
	"companion-gateway/internal/session"
	"companion-gateway/internal/token"
)

// ============================================================================
// 组件接口定义
// ============================================================================

// Component 服务器组件接口
// 每个组件负责自己的初始化与停止逻辑
type Component interface {
	// Name 返回组件名称（用于日志和错误信息）
	Name() string

	// Initialize 初始化组件，从 deps 取依赖并把产出写回 deps
	Initialize(ctx context.Context, deps *Dependencies) error

	// Stop 释放组件持有的资源，按初始化的逆序调用
	Stop() error
}

// Dependencies 依赖容器
// 组件初始化时从这里获取依赖，初始化完成后将自己的产出注入回来
type Dependencies struct {
	Config     *schema.Root
	Logger     corelog.Logger
	InstanceID string

	// 基础设施层
	Store       store.SharedStore
	RedisClient *goredis.Client // 外部 Redis 时非空，供 broker 复用连接
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Broker      broker.MessageBroker
	Registry    registry.Repository

	// 安全组件
	RateLimiter *security.RateLimiter
	IPLimiter   *security.IPLimiter
	Replay      *security.ReplayGuard
	Idempotency *security.IdempotencyCache
	Deriver     *security.SecretDeriver

	// 认证与配对
	Tokens  *token.Issuer
	Claims  *claim.Authenticator
	Pairing *pairing.Service

	// 会话层
	Affinity  *affinity.Router
	Sessions  *session.Manager
	AudioSink session.AudioSink

	// 运维
	Health *health.Manager
	Checks *health.Composite
	Drain  *drain.Coordinator

	// HTTP 服务
	HTTP *httpservice.Service
}

// ============================================================================
// 基础组件实现
// ============================================================================

// BaseComponent 组件基类，提供默认的 Stop 实现
type BaseComponent struct{}

func (BaseComponent) Stop() error {
	return nil
}

// ============================================================================
// 组件初始化错误
// ============================================================================

// ComponentError 组件初始化错误
type ComponentError struct {
	ComponentName string
	Err           error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("component %s initialization failed: %v", e.ComponentName, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// NewComponentError 创建组件错误
func NewComponentError(name string, err error) *ComponentError {
	return &ComponentError{
		ComponentName: name,
		Err:           err,
	}
}
