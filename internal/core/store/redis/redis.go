// Package redis 提供基于 go-redis 的 SharedStore 实现
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"companion-gateway/internal/core/store"
)

const storeType = "redis"

// DefaultOpTimeout 单次操作超时
const DefaultOpTimeout = 500 * time.Millisecond

// casScript 仅当当前值等于期望值时写入
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// windowScript 有序集合滑动窗口，分数为毫秒时间戳
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {0, count, tonumber(oldest[2])}
`)

// Config Redis 连接配置
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OpTimeout    time.Duration
}

// Store Redis 存储
type Store struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
}

var _ store.SharedStore = (*Store)(nil)

// New 基于已有客户端创建存储
func New(client *redis.Client, keyPrefix string, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Store{client: client, keyPrefix: keyPrefix, opTimeout: opTimeout}
}

// Dial 按配置连接 Redis 并检查连通性
func Dial(ctx context.Context, cfg Config, keyPrefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, keyPrefix, cfg.OpTimeout), nil
}

// Client 底层客户端，供 broker 复用连接
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) buildKey(key string) string {
	return s.keyPrefix + key
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.buildKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, store.Unavailable(storeType, "Get", key, err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.buildKey(key), value, ttl).Err(); err != nil {
		return store.Unavailable(storeType, "Set", key, err)
	}
	return nil
}

func (s *Store) CheckAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, []byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	fullKey := s.buildKey(key)

	var (
		ok  bool
		err error
	)
	if expected == nil {
		ok, err = s.client.SetNX(ctx, fullKey, value, ttl).Result()
	} else {
		var n int64
		n, err = casScript.Run(ctx, s.client, []string{fullKey}, expected, value, ttl.Milliseconds()).Int64()
		ok = n == 1
	}
	if err != nil {
		return false, nil, store.Unavailable(storeType, "CheckAndSet", key, err)
	}
	if ok {
		return true, nil, nil
	}

	// 失败时返回当前值供调用方判断；键恰好在此期间过期则返回 nil
	current, err := s.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil, nil
		}
		return false, nil, store.Unavailable(storeType, "CheckAndSet", key, err)
	}
	return false, current, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return store.ErrInvalidTTL
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.PExpire(ctx, s.buildKey(key), ttl).Result()
	if err != nil {
		return store.Unavailable(storeType, "Expire", key, err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return store.Unavailable(storeType, "Delete", key, err)
	}
	return nil
}

func (s *Store) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (store.WindowResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := windowScript.Run(ctx, s.client, []string{s.buildKey(key)}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil {
		return store.WindowResult{}, store.Unavailable(storeType, "SlidingWindow", key, err)
	}
	if len(res) != 3 {
		return store.WindowResult{}, store.Unavailable(storeType, "SlidingWindow", key,
			fmt.Errorf("unexpected script reply length %d", len(res)))
	}

	result := store.WindowResult{Allowed: res[0] == 1, Count: int(res[1])}
	if !result.Allowed {
		retry := time.Duration(res[2]+windowMs-nowMs) * time.Millisecond
		if retry < 0 {
			retry = 0
		}
		result.RetryAfter = retry
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable(storeType, "Ping", "", err)
	}
	return nil
}

// Close 关闭客户端
func (s *Store) Close() error {
	return s.client.Close()
}
