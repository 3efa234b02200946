package server

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"companion-gateway/internal/broker"
	"companion-gateway/internal/config/schema"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/core/store/embedded"
	redisstore "companion-gateway/internal/core/store/redis"
	"companion-gateway/internal/registry"
)

// instanceID 未配置时用主机名加随机后缀，保证同机多进程不冲突
func instanceID(cfg *schema.Root) string {
	if cfg.Server.InstanceID != "" {
		return cfg.Server.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gw"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ============================================================================
// StorageComponent - 共享存储组件
// ============================================================================

// StorageComponent 共享存储组件
// 已注入存储时（多实例测试共享同一存储）直接复用，不负责关闭
type StorageComponent struct {
	BaseComponent
	closer store.Closer
}

func (c *StorageComponent) Name() string {
	return "Storage"
}

func (c *StorageComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Store != nil {
		deps.Logger.Infof("Storage: using injected store")
		return nil
	}

	cfg := deps.Config.Redis
	if cfg.IsEmbedded() {
		s, err := embedded.New(cfg.KeyPrefix)
		if err != nil {
			return err
		}
		deps.Store = s
		c.closer = s
		deps.Logger.Infof("Storage initialized: type=embedded addr=%s", s.Addr())
		return nil
	}

	s, err := redisstore.Dial(ctx, redisstore.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password.Value(),
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		OpTimeout:    cfg.OpTimeout,
	}, cfg.KeyPrefix)
	if err != nil {
		return err
	}
	deps.Store = s
	deps.RedisClient = s.Client()
	c.closer = s
	deps.Logger.Infof("Storage initialized: type=redis addr=%s", cfg.Addr)
	return nil
}

func (c *StorageComponent) Stop() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// ============================================================================
// MetricsComponent - 指标组件
// ============================================================================

// MetricsComponent 指标组件，每个服务器实例使用独立的注册表
type MetricsComponent struct {
	BaseComponent
}

func (c *MetricsComponent) Name() string {
	return "Metrics"
}

func (c *MetricsComponent) Initialize(_ context.Context, deps *Dependencies) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(reg)
	deps.Gatherer = reg
	deps.Logger.Infof("Metrics initialized: type=prometheus")
	return nil
}

// ============================================================================
// BrokerComponent - 消息代理组件
// ============================================================================

// BrokerComponent 实例间消息
// 外部 Redis 时走 Pub/Sub；内嵌存储只服务单进程，使用内存代理
type BrokerComponent struct {
	BaseComponent
	broker broker.MessageBroker
}

func (c *BrokerComponent) Name() string {
	return "MessageBroker"
}

func (c *BrokerComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Broker != nil {
		return nil
	}
	if deps.RedisClient != nil {
		b, err := broker.NewRedisBroker(ctx, deps.RedisClient, deps.InstanceID, deps.Logger)
		if err != nil {
			return err
		}
		c.broker = b
	} else {
		c.broker = broker.NewMemoryBroker(deps.InstanceID, deps.Logger)
	}
	deps.Broker = c.broker
	return nil
}

func (c *BrokerComponent) Stop() error {
	if c.broker == nil {
		return nil
	}
	return c.broker.Close()
}

// ============================================================================
// RegistryComponent - 设备注册表组件
// ============================================================================

// RegistryComponent 设备注册表
// 启用 Postgres 时持久化，否则使用内存实现；两者前面都挂 LRU 读缓存
type RegistryComponent struct {
	BaseComponent
	pg *registry.PostgresRepository
}

func (c *RegistryComponent) Name() string {
	return "Registry"
}

func (c *RegistryComponent) Initialize(ctx context.Context, deps *Dependencies) error {
	if deps.Registry != nil {
		return nil
	}
	cfg := deps.Config.Postgres

	var inner registry.Repository
	if cfg.Enabled {
		pgCfg := registry.DefaultPostgresConfig()
		pgCfg.DSN = cfg.DSN.Value()
		if cfg.MaxConns > 0 {
			pgCfg.MaxConns = cfg.MaxConns
		}
		pg, err := registry.NewPostgresRepository(ctx, pgCfg)
		if err != nil {
			return err
		}
		c.pg = pg
		inner = pg
	} else {
		inner = registry.NewMemoryRepository(nil)
	}

	if cfg.CacheSize > 0 {
		cached, err := registry.NewCachedRepository(inner, cfg.CacheSize)
		if err != nil {
			return err
		}
		deps.Registry = cached
	} else {
		deps.Registry = inner
	}
	deps.Logger.Infof("Registry initialized: postgres=%v cache=%d", cfg.Enabled, cfg.CacheSize)
	return nil
}

func (c *RegistryComponent) Stop() error {
	if c.pg != nil {
		c.pg.Close()
	}
	return nil
}
