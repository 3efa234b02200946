// Package schema defines configuration structure types
package schema

import "time"

// Root is the top-level configuration structure
type Root struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres" json:"postgres"`
	Security  SecurityConfig  `yaml:"security" json:"security"`
	Token     TokenConfig     `yaml:"token" json:"token"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Affinity  AffinityConfig  `yaml:"affinity" json:"affinity"`
	Drain     DrainConfig     `yaml:"drain" json:"drain"`
	RateLimit RateLimitConfig `yaml:"ratelimit" json:"ratelimit"`
	Pairing   PairingConfig   `yaml:"pairing" json:"pairing"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// ServerConfig contains listener and instance identity settings
type ServerConfig struct {
	Listen        string `yaml:"listen" json:"listen"`
	AdminListen   string `yaml:"admin_listen" json:"admin_listen"`
	InstanceID    string `yaml:"instance_id" json:"instance_id"`
	AdvertiseAddr string `yaml:"advertise_addr" json:"advertise_addr"`
	// MaxConnections caps concurrent connections on the public listener; 0 means unlimited
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
}

// SessionConfig contains connection and resume settings
type SessionConfig struct {
	TTL               time.Duration `yaml:"ttl" json:"ttl"`
	ResumeWindow      time.Duration `yaml:"resume_window" json:"resume_window"`
	BufferSize        int           `yaml:"buffer_size" json:"buffer_size"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ResumeAckTimeout  time.Duration `yaml:"resume_ack_timeout" json:"resume_ack_timeout"`
	MaxBinaryFrame    int           `yaml:"max_binary_frame" json:"max_binary_frame"`
}

// AffinityConfig contains instance routing hint settings
type AffinityConfig struct {
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	LookupCacheTTL time.Duration `yaml:"lookup_cache_ttl" json:"lookup_cache_ttl"`
}

// DrainConfig contains graceful drain settings
type DrainConfig struct {
	DefaultGrace time.Duration `yaml:"default_grace" json:"default_grace"`
	MaxGrace     time.Duration `yaml:"max_grace" json:"max_grace"`
}

// PairingConfig contains pairing material settings
type PairingConfig struct {
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	CodeLength int           `yaml:"code_length" json:"code_length"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text, json or auto
	Output string `yaml:"output" json:"output"` // stdout, stderr or file
	File   string `yaml:"file" json:"file"`
}
