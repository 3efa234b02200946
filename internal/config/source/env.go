package source

import (
	"os"
	"strconv"
	"time"

	"companion-gateway/internal/config/schema"
)

// EnvSource loads configuration from environment variables named PREFIX_SECTION_KEY
type EnvSource struct {
	prefix string
}

// NewEnvSource creates a new EnvSource with the specified prefix
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &EnvSource{
		prefix: prefix,
	}
}

// Name returns the source name
func (s *EnvSource) Name() string {
	return "env"
}

// Priority returns the source priority
func (s *EnvSource) Priority() int {
	return PriorityEnv
}

// LoadInto loads environment variables into the config structure
func (s *EnvSource) LoadInto(cfg *schema.Root) error {
	// Server
	s.loadString("SERVER_LISTEN", &cfg.Server.Listen)
	s.loadString("SERVER_ADMIN_LISTEN", &cfg.Server.AdminListen)
	s.loadString("SERVER_INSTANCE_ID", &cfg.Server.InstanceID)
	s.loadString("SERVER_ADVERTISE_ADDR", &cfg.Server.AdvertiseAddr)
	s.loadInt("SERVER_MAX_CONNECTIONS", &cfg.Server.MaxConnections)

	// Redis
	s.loadString("REDIS_MODE", &cfg.Redis.Mode)
	s.loadString("REDIS_ADDR", &cfg.Redis.Addr)
	s.loadSecret("REDIS_PASSWORD", &cfg.Redis.Password)
	s.loadInt("REDIS_DB", &cfg.Redis.DB)
	s.loadString("REDIS_KEY_PREFIX", &cfg.Redis.KeyPrefix)
	s.loadInt("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	s.loadDuration("REDIS_DIAL_TIMEOUT", &cfg.Redis.DialTimeout)
	s.loadDuration("REDIS_READ_TIMEOUT", &cfg.Redis.ReadTimeout)
	s.loadDuration("REDIS_WRITE_TIMEOUT", &cfg.Redis.WriteTimeout)
	s.loadDuration("REDIS_OP_TIMEOUT", &cfg.Redis.OpTimeout)

	// Postgres
	s.loadBool("POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	s.loadSecret("POSTGRES_DSN", &cfg.Postgres.DSN)
	s.loadInt32("POSTGRES_MAX_CONNS", &cfg.Postgres.MaxConns)
	s.loadInt("POSTGRES_CACHE_SIZE", &cfg.Postgres.CacheSize)

	// Security
	s.loadSecret("SECURITY_SERVER_SALT", &cfg.Security.ServerSalt)
	s.loadBool("SECURITY_AUTO_REGISTER", &cfg.Security.AutoRegister)
	s.loadDuration("SECURITY_IDEMPOTENCY_TTL", &cfg.Security.IdempotencyTTL)
	s.loadDuration("SECURITY_NONCE_TTL", &cfg.Security.NonceTTL)
	s.loadInt("SECURITY_NONCE_HEX_LEN", &cfg.Security.NonceHexLen)
	s.loadString("SECURITY_STORE_FAILURE_RESUME", &cfg.Security.StoreFailure.Resume)
	s.loadString("SECURITY_STORE_FAILURE_IDEMPOTENCY", &cfg.Security.StoreFailure.Idempotency)

	// Token
	s.loadSecret("TOKEN_SIGNING_SECRET", &cfg.Token.SigningSecret)
	s.loadString("TOKEN_ISSUER", &cfg.Token.Issuer)
	s.loadDuration("TOKEN_ACCESS_TTL", &cfg.Token.AccessTTL)
	s.loadDuration("TOKEN_REFRESH_TTL", &cfg.Token.RefreshTTL)

	// Session
	s.loadDuration("SESSION_TTL", &cfg.Session.TTL)
	s.loadDuration("SESSION_RESUME_WINDOW", &cfg.Session.ResumeWindow)
	s.loadInt("SESSION_BUFFER_SIZE", &cfg.Session.BufferSize)
	s.loadDuration("SESSION_HEARTBEAT_INTERVAL", &cfg.Session.HeartbeatInterval)
	s.loadDuration("SESSION_HANDSHAKE_TIMEOUT", &cfg.Session.HandshakeTimeout)
	s.loadDuration("SESSION_RESUME_ACK_TIMEOUT", &cfg.Session.ResumeAckTimeout)
	s.loadInt("SESSION_MAX_BINARY_FRAME", &cfg.Session.MaxBinaryFrame)

	// Affinity
	s.loadDuration("AFFINITY_TTL", &cfg.Affinity.TTL)
	s.loadDuration("AFFINITY_LOOKUP_CACHE_TTL", &cfg.Affinity.LookupCacheTTL)

	// Drain
	s.loadDuration("DRAIN_DEFAULT_GRACE", &cfg.Drain.DefaultGrace)
	s.loadDuration("DRAIN_MAX_GRACE", &cfg.Drain.MaxGrace)

	// Rate limits
	s.loadWindow("RATELIMIT_CLAIM", &cfg.RateLimit.Claim)
	s.loadWindow("RATELIMIT_PAIRING", &cfg.RateLimit.Pairing)
	s.loadWindow("RATELIMIT_MESSAGE", &cfg.RateLimit.Message)
	s.loadInt("RATELIMIT_ESCALATION_VIOLATIONS", &cfg.RateLimit.Escalation.Violations)
	s.loadDuration("RATELIMIT_ESCALATION_WINDOW", &cfg.RateLimit.Escalation.Window)
	s.loadDuration("RATELIMIT_ESCALATION_LOCKOUT", &cfg.RateLimit.Escalation.Lockout)
	s.loadBool("RATELIMIT_IP_ENABLED", &cfg.RateLimit.IP.Enabled)
	s.loadFloat("RATELIMIT_IP_RATE", &cfg.RateLimit.IP.Rate)
	s.loadInt("RATELIMIT_IP_BURST", &cfg.RateLimit.IP.Burst)

	// Pairing
	s.loadDuration("PAIRING_TTL", &cfg.Pairing.TTL)
	s.loadInt("PAIRING_CODE_LENGTH", &cfg.Pairing.CodeLength)

	// Log
	s.loadString("LOG_LEVEL", &cfg.Log.Level)
	s.loadString("LOG_FORMAT", &cfg.Log.Format)
	s.loadString("LOG_OUTPUT", &cfg.Log.Output)
	s.loadString("LOG_FILE", &cfg.Log.File)

	return nil
}

// getEnv gets environment variable with the configured prefix
func (s *EnvSource) getEnv(key string) (string, bool) {
	if v := os.Getenv(s.prefix + "_" + key); v != "" {
		return v, true
	}
	return "", false
}

func (s *EnvSource) loadString(key string, target *string) {
	if v, ok := s.getEnv(key); ok {
		*target = v
	}
}

func (s *EnvSource) loadSecret(key string, target *schema.Secret) {
	if v, ok := s.getEnv(key); ok {
		*target = schema.Secret(v)
	}
}

func (s *EnvSource) loadBool(key string, target *bool) {
	if v, ok := s.getEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func (s *EnvSource) loadInt(key string, target *int) {
	if v, ok := s.getEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func (s *EnvSource) loadInt32(key string, target *int32) {
	if v, ok := s.getEnv(key); ok {
		if i, err := strconv.ParseInt(v, 10, 32); err == nil {
			*target = int32(i)
		}
	}
}

func (s *EnvSource) loadFloat(key string, target *float64) {
	if v, ok := s.getEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func (s *EnvSource) loadDuration(key string, target *time.Duration) {
	if v, ok := s.getEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func (s *EnvSource) loadWindow(key string, target *schema.WindowPolicy) {
	s.loadInt(key+"_LIMIT", &target.Limit)
	s.loadDuration(key+"_WINDOW", &target.Window)
}
