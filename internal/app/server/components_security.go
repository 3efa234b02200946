package server

import (
	"context"
	"time"

	"companion-gateway/internal/claim"
	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/security"
	"companion-gateway/internal/token"
)

const ipLimiterIdleTTL = 10 * time.Minute

// ============================================================================
// SecurityComponent - 安全组件
// ============================================================================

// SecurityComponent 限流、防重放、幂等与设备密钥派生
type SecurityComponent struct {
	BaseComponent
	cancel context.CancelFunc
}

func (c *SecurityComponent) Name() string {
	return "Security"
}

func (c *SecurityComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Store == nil {
		return coreerrors.New(coreerrors.CodeConfigError, "shared store is required")
	}
	cfg := deps.Config

	idemPolicy, err := security.ParseFailurePolicy(cfg.Security.StoreFailure.Idempotency)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeConfigError, "security.store_failure.idempotency")
	}

	rl := cfg.RateLimit
	deps.RateLimiter = security.NewRateLimiter(deps.Store, security.RateLimiterConfig{
		Policies: map[security.Scope]security.Policy{
			security.ScopeClaim:   {Limit: rl.Claim.Limit, Window: rl.Claim.Window},
			security.ScopePairing: {Limit: rl.Pairing.Limit, Window: rl.Pairing.Window},
			security.ScopeMessage: {Limit: rl.Message.Limit, Window: rl.Message.Window},
		},
		Escalation: security.Escalation{
			Violations: rl.Escalation.Violations,
			Window:     rl.Escalation.Window,
			Lockout:    rl.Escalation.Lockout,
		},
		StorePolicy: security.FailClosed,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
	})

	if rl.IP.Enabled {
		// 清理协程跟随组件生命周期，不跟随初始化用的 ctx
		ipCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		deps.IPLimiter = security.NewIPLimiter(ipCtx, security.IPLimiterConfig{
			Rate:            rl.IP.Rate,
			Burst:           rl.IP.Burst,
			IdleTTL:         ipLimiterIdleTTL,
			CleanupInterval: time.Minute,
		})
	}

	deps.Replay = security.NewReplayGuard(deps.Store, cfg.Security.NonceTTL, deps.Logger)
	deps.Idempotency = security.NewIdempotencyCache(deps.Store, security.IdempotencyConfig{
		TTL:     cfg.Security.IdempotencyTTL,
		Policy:  idemPolicy,
		Metrics: deps.Metrics,
		Logger:  deps.Logger,
	})

	deriver, err := security.NewSecretDeriver(cfg.Security.ServerSalt.Bytes())
	if err != nil {
		return err
	}
	deps.Deriver = deriver

	deps.Logger.Infof("Security initialized: ip_limit=%v idempotency_policy=%s", rl.IP.Enabled, idemPolicy)
	return nil
}

func (c *SecurityComponent) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// ============================================================================
// AuthComponent - 令牌、认领与配对
// ============================================================================

// AuthComponent 令牌签发器、认领认证器与配对服务
type AuthComponent struct {
	BaseComponent
}

func (c *AuthComponent) Name() string {
	return "Auth"
}

func (c *AuthComponent) Initialize(_ context.Context, deps *Dependencies) error {
	if deps.RateLimiter == nil || deps.Registry == nil {
		return coreerrors.New(coreerrors.CodeConfigError, "security and registry components must be initialized first")
	}
	cfg := deps.Config

	issuer, err := token.NewIssuer(deps.Store, token.Config{
		SigningSecret: cfg.Token.SigningSecret.Bytes(),
		Issuer:        cfg.Token.Issuer,
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		NonceHexLen:   cfg.Security.NonceHexLen,
		Metrics:       deps.Metrics,
		Logger:        deps.Logger,
	})
	if err != nil {
		return err
	}
	deps.Tokens = issuer

	deps.Claims = claim.NewAuthenticator(claim.Deps{
		Limiter:     deps.RateLimiter,
		Idempotency: deps.Idempotency,
		Replay:      deps.Replay,
		Deriver:     deps.Deriver,
		Registry:    deps.Registry,
		Tokens:      issuer,
	}, claim.Config{
		NonceHexLen:  cfg.Security.NonceHexLen,
		AutoRegister: cfg.Security.AutoRegister,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	})

	deps.Pairing = pairing.NewService(deps.Store, deps.RateLimiter, pairing.ServiceConfig{
		TTL:        cfg.Pairing.TTL,
		CodeLength: cfg.Pairing.CodeLength,
		Devices:    deps.Registry,
		Logger:     deps.Logger,
	})

	deps.Logger.Infof("Auth initialized: access_ttl=%s refresh_ttl=%s auto_register=%v",
		issuer.AccessTTL(), cfg.Token.RefreshTTL, cfg.Security.AutoRegister)
	return nil
}
