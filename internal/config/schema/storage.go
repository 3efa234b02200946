package schema

import "time"

// Redis modes
const (
	RedisModeEmbedded = "embedded"
	RedisModeExternal = "external"
)

// RedisConfig contains shared store settings
// Embedded mode runs an in-process server and only suits a single instance
type RedisConfig struct {
	Mode         string        `yaml:"mode" json:"mode"`
	Addr         string        `yaml:"addr" json:"addr"`
	Password     Secret        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	OpTimeout    time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

// IsEmbedded reports whether the embedded store is selected
func (c RedisConfig) IsEmbedded() bool {
	return c.Mode == "" || c.Mode == RedisModeEmbedded
}

// PostgresConfig contains device registry database settings
// When disabled the registry lives in memory
type PostgresConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	DSN       Secret `yaml:"dsn" json:"dsn"`
	MaxConns  int32  `yaml:"max_conns" json:"max_conns"`
	CacheSize int    `yaml:"cache_size" json:"cache_size"`
}
