// Package embedded 提供内嵌 Redis（miniredis）
// 单机部署时无需外部 Redis，所有原子语义与 redis 实现一致
package embedded

import (
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redisstore "companion-gateway/internal/core/store/redis"
)

// Store 内嵌 Redis 存储
type Store struct {
	*redisstore.Store
	server *miniredis.Miniredis
}

// New 启动 miniredis 并包装为 SharedStore
func New(keyPrefix string) (*Store, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis failed: %w", err)
	}

	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	return &Store{
		Store:  redisstore.New(client, keyPrefix, 0),
		server: server,
	}, nil
}

// Addr 内嵌服务地址
func (s *Store) Addr() string {
	return s.server.Addr()
}

// FastForward 推进 TTL 时间（测试用）
func (s *Store) FastForward(d time.Duration) {
	s.server.FastForward(d)
}

// Server 底层 miniredis（测试用于注入故障）
func (s *Store) Server() *miniredis.Miniredis {
	return s.server
}

// Close 关闭客户端与服务
func (s *Store) Close() error {
	err := s.Store.Close()
	s.server.Close()
	return err
}
