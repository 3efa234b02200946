package schema

import "time"

// Store failure policies
const (
	FailClosed = "closed"
	FailOpen   = "open"
)

// SecurityConfig contains claim and replay protection settings
type SecurityConfig struct {
	ServerSalt     Secret             `yaml:"server_salt" json:"server_salt"`
	AutoRegister   bool               `yaml:"auto_register" json:"auto_register"`
	IdempotencyTTL time.Duration      `yaml:"idempotency_ttl" json:"idempotency_ttl"`
	NonceTTL       time.Duration      `yaml:"nonce_ttl" json:"nonce_ttl"`
	NonceHexLen    int                `yaml:"nonce_hex_len" json:"nonce_hex_len"`
	StoreFailure   StoreFailureConfig `yaml:"store_failure" json:"store_failure"`
}

// StoreFailureConfig selects behaviour per path when the shared store is unreachable
type StoreFailureConfig struct {
	Resume      string `yaml:"resume" json:"resume"`
	Idempotency string `yaml:"idempotency" json:"idempotency"`
}

// TokenConfig contains token signing settings
type TokenConfig struct {
	SigningSecret Secret        `yaml:"signing_secret" json:"signing_secret"`
	Issuer        string        `yaml:"issuer" json:"issuer"`
	AccessTTL     time.Duration `yaml:"access_ttl" json:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" json:"refresh_ttl"`
}

// RateLimitConfig contains per-scope limits
type RateLimitConfig struct {
	Claim      WindowPolicy     `yaml:"claim" json:"claim"`
	Pairing    WindowPolicy     `yaml:"pairing" json:"pairing"`
	Message    WindowPolicy     `yaml:"message" json:"message"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	IP         IPRateConfig     `yaml:"ip" json:"ip"`
}

// WindowPolicy allows Limit events per sliding Window
type WindowPolicy struct {
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// EscalationConfig locks a key out after repeated violations
type EscalationConfig struct {
	Violations int           `yaml:"violations" json:"violations"`
	Window     time.Duration `yaml:"window" json:"window"`
	Lockout    time.Duration `yaml:"lockout" json:"lockout"`
}

// IPRateConfig is the local per-IP token bucket in front of HTTP endpoints
type IPRateConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Rate    float64 `yaml:"rate" json:"rate"`
	Burst   int     `yaml:"burst" json:"burst"`
}
