package source

import (
	"time"

	"companion-gateway/internal/config/schema"
)

// DefaultSource provides default configuration values
type DefaultSource struct{}

// NewDefaultSource creates a new DefaultSource
func NewDefaultSource() *DefaultSource {
	return &DefaultSource{}
}

// Name returns the source name
func (s *DefaultSource) Name() string {
	return "defaults"
}

// Priority returns the source priority
func (s *DefaultSource) Priority() int {
	return PriorityDefaults
}

// LoadInto loads default values into the configuration
func (s *DefaultSource) LoadInto(cfg *schema.Root) error {
	cfg.Server.Listen = ":8080"
	cfg.Server.AdminListen = "127.0.0.1:9090"
	cfg.Server.MaxConnections = 20000

	cfg.Redis.Mode = schema.RedisModeEmbedded
	cfg.Redis.KeyPrefix = "companion:"
	cfg.Redis.PoolSize = 20
	cfg.Redis.DialTimeout = 5 * time.Second
	cfg.Redis.ReadTimeout = 500 * time.Millisecond
	cfg.Redis.WriteTimeout = 500 * time.Millisecond
	cfg.Redis.OpTimeout = 500 * time.Millisecond

	cfg.Postgres.MaxConns = 10
	cfg.Postgres.CacheSize = 10000

	cfg.Security.AutoRegister = false
	cfg.Security.IdempotencyTTL = 300 * time.Second
	cfg.Security.NonceTTL = 600 * time.Second
	cfg.Security.NonceHexLen = 8
	cfg.Security.StoreFailure.Resume = schema.FailClosed
	cfg.Security.StoreFailure.Idempotency = schema.FailClosed

	cfg.Token.Issuer = "companion-gateway"
	cfg.Token.AccessTTL = 10 * time.Minute
	cfg.Token.RefreshTTL = 24 * time.Hour

	cfg.Session.TTL = 10 * time.Minute
	cfg.Session.ResumeWindow = 15 * time.Minute
	cfg.Session.BufferSize = 200
	cfg.Session.HeartbeatInterval = 20 * time.Second
	cfg.Session.HandshakeTimeout = 10 * time.Second
	cfg.Session.ResumeAckTimeout = 30 * time.Second
	cfg.Session.MaxBinaryFrame = 16 * 1024

	cfg.Affinity.TTL = time.Hour
	cfg.Affinity.LookupCacheTTL = 5 * time.Second

	cfg.Drain.DefaultGrace = 30 * time.Second
	cfg.Drain.MaxGrace = 60 * time.Second

	cfg.RateLimit.Claim = schema.WindowPolicy{Limit: 20, Window: time.Minute}
	cfg.RateLimit.Pairing = schema.WindowPolicy{Limit: 5, Window: 10 * time.Minute}
	cfg.RateLimit.Message = schema.WindowPolicy{Limit: 50, Window: 10 * time.Second}
	cfg.RateLimit.Escalation = schema.EscalationConfig{
		Violations: 5,
		Window:     10 * time.Minute,
		Lockout:    15 * time.Minute,
	}
	cfg.RateLimit.IP = schema.IPRateConfig{Enabled: true, Rate: 20, Burst: 40}

	cfg.Pairing.TTL = 10 * time.Minute
	cfg.Pairing.CodeLength = 6

	cfg.Log.Level = "info"
	cfg.Log.Format = "auto"
	cfg.Log.Output = "stdout"

	return nil
}

// GetDefaultConfig returns a configuration holding only the defaults
func GetDefaultConfig() *schema.Root {
	cfg := &schema.Root{}
	_ = NewDefaultSource().LoadInto(cfg)
	return cfg
}
