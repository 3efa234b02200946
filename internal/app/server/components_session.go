package server

import (
	"context"

	"companion-gateway/internal/affinity"
	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/drain"
	"companion-gateway/internal/health"
	"companion-gateway/internal/httpservice"
	"companion-gateway/internal/security"
	"companion-gateway/internal/session"
	"companion-gateway/internal/session/buffer"
	"companion-gateway/internal/session/connstate"
	"companion-gateway/internal/version"
)

// ============================================================================
// SessionComponent - 会话组件
// ============================================================================

// SessionComponent 亲和路由、会话登记、续传缓冲与连接管理器
type SessionComponent struct {
	BaseComponent
	router *affinity.Router
}

func (c *SessionComponent) Name() string {
	return "Session"
}

func (c *SessionComponent) Initialize(_ context.Context, deps *Dependencies) error {
	if deps.Tokens == nil {
		return coreerrors.New(coreerrors.CodeConfigError, "auth component must be initialized first")
	}
	cfg := deps.Config

	resumePolicy, err := security.ParseFailurePolicy(cfg.Security.StoreFailure.Resume)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeConfigError, "security.store_failure.resume")
	}

	c.router = affinity.NewRouter(deps.Store, affinity.Config{
		InstanceID:     deps.InstanceID,
		AdvertiseAddr:  cfg.Server.AdvertiseAddr,
		BindingTTL:     cfg.Affinity.TTL,
		LookupCacheTTL: cfg.Affinity.LookupCacheTTL,
		Logger:         deps.Logger,
	})
	deps.Affinity = c.router

	sessions, err := session.NewManager(session.Deps{
		Tokens: deps.Tokens,
		Sessions: connstate.NewRegistry(deps.Store, connstate.Config{
			SessionTTL:   cfg.Session.TTL,
			ResumeWindow: cfg.Session.ResumeWindow,
		}),
		Buffers:  buffer.NewStore(deps.Store, cfg.Session.ResumeWindow, cfg.Session.BufferSize),
		Affinity: c.router,
		Broker:   deps.Broker,
		Limiter:  deps.RateLimiter,
		Sink:     deps.AudioSink,
		Devices:  deps.Registry,
	}, session.Config{
		InstanceID:        deps.InstanceID,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		ResumeAckTimeout:  cfg.Session.ResumeAckTimeout,
		SetupTimeout:      cfg.Session.HandshakeTimeout,
		MaxBinaryFrame:    cfg.Session.MaxBinaryFrame,
		ResumePolicy:      resumePolicy,
		Metrics:           deps.Metrics,
		Logger:            deps.Logger,
	})
	if err != nil {
		return err
	}
	deps.Sessions = sessions

	deps.Logger.Infof("Session initialized: resume_window=%s buffer=%d resume_policy=%s",
		cfg.Session.ResumeWindow, cfg.Session.BufferSize, resumePolicy)
	return nil
}

func (c *SessionComponent) Stop() error {
	if c.router != nil {
		c.router.Close()
	}
	return nil
}

// ============================================================================
// HealthComponent - 健康检查组件
// ============================================================================

// HealthComponent 实例状态与依赖检查
type HealthComponent struct {
	BaseComponent
}

func (c *HealthComponent) Name() string {
	return "Health"
}

func (c *HealthComponent) Initialize(_ context.Context, deps *Dependencies) error {
	if deps.Sessions == nil {
		return coreerrors.New(coreerrors.CodeConfigError, "session component must be initialized first")
	}
	deps.Health = health.NewManager(deps.InstanceID, version.GetShortVersion(), nil)
	deps.Health.SetSessionCounter(deps.Sessions)

	deps.Checks = health.NewComposite(0)
	deps.Checks.Register("store", health.NewPingChecker("store", deps.Store, true))
	if p, ok := deps.Registry.(health.Pinger); ok {
		deps.Checks.Register("registry", health.NewPingChecker("registry", p, true))
	}
	// broker 故障只影响跨实例事件，不影响本实例就绪
	if p, ok := deps.Broker.(health.Pinger); ok {
		deps.Checks.Register("broker", health.NewPingChecker("broker", p, false))
	}
	deps.Checks.Register("sessions", health.NewSessionChecker(deps.Sessions, deps.Health))
	return nil
}

// ============================================================================
// DrainComponent - 排空组件
// ============================================================================

// DrainComponent 排空协调器
type DrainComponent struct {
	BaseComponent
}

func (c *DrainComponent) Name() string {
	return "Drain"
}

func (c *DrainComponent) Initialize(_ context.Context, deps *Dependencies) error {
	if deps.Health == nil {
		return coreerrors.New(coreerrors.CodeConfigError, "health component must be initialized first")
	}
	cfg := deps.Config.Drain
	deps.Drain = drain.NewCoordinator(deps.Sessions, deps.Health, drain.Config{
		InstanceID:   deps.InstanceID,
		DefaultGrace: cfg.DefaultGrace,
		MaxGrace:     cfg.MaxGrace,
		Broker:       deps.Broker,
		Announcer:    deps.Affinity,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	})
	return nil
}

// ============================================================================
// HTTPComponent - HTTP 服务组件
// ============================================================================

// HTTPComponent 公网与管理监听
type HTTPComponent struct {
	BaseComponent
}

func (c *HTTPComponent) Name() string {
	return "HTTP"
}

func (c *HTTPComponent) Initialize(_ context.Context, deps *Dependencies) error {
	cfg := deps.Config
	svc, err := httpservice.New(httpservice.Deps{
		Claims:    deps.Claims,
		Tokens:    deps.Tokens,
		Pairing:   deps.Pairing,
		Sessions:  deps.Sessions,
		Health:    deps.Health,
		Checks:    deps.Checks,
		Drain:     deps.Drain,
		Affinity:  deps.Affinity,
		IPLimiter: deps.IPLimiter,
		Gatherer:  deps.Gatherer,
	}, httpservice.Config{
		Listen:         cfg.Server.Listen,
		AdminListen:    cfg.Server.AdminListen,
		MaxConnections: cfg.Server.MaxConnections,
		MaxBinaryFrame: cfg.Session.MaxBinaryFrame,
		PingInterval:   cfg.Session.HeartbeatInterval,
		Logger:         deps.Logger,
	})
	if err != nil {
		return err
	}
	deps.HTTP = svc
	return nil
}
