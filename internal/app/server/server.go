// Package server 组装网关实例：共享存储、认证、会话、排空与 HTTP 入口
package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"companion-gateway/internal/config/schema"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/drain"
	"companion-gateway/internal/health"
	"companion-gateway/internal/httpservice"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/session"
	"companion-gateway/internal/token"
)

// Server 网关实例
type Server struct {
	config     *schema.Root
	deps       *Dependencies
	components []Component
	logger     corelog.Logger
	closeOnce  sync.Once
}

// InstanceID 实例标识
func (s *Server) InstanceID() string { return s.deps.InstanceID }

// Store 共享存储
func (s *Server) Store() store.SharedStore { return s.deps.Store }

// Sessions 连接管理器
func (s *Server) Sessions() *session.Manager { return s.deps.Sessions }

// Tokens 令牌签发器
func (s *Server) Tokens() *token.Issuer { return s.deps.Tokens }

// Pairing 配对服务
func (s *Server) Pairing() *pairing.Service { return s.deps.Pairing }

// Devices 设备仓库
func (s *Server) Devices() registry.Repository { return s.deps.Registry }

// Health 实例健康状态
func (s *Server) Health() *health.Manager { return s.deps.Health }

// DrainCoordinator 排空协调器
func (s *Server) DrainCoordinator() *drain.Coordinator { return s.deps.Drain }

// HTTP HTTP 服务
func (s *Server) HTTP() *httpservice.Service { return s.deps.HTTP }

// Run 运行后台循环与 HTTP 监听，阻塞到 ctx 结束或任一部分失败
// 返回前释放所有组件
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.deps.Sessions.Run(gctx)
	})
	if s.deps.Affinity != nil {
		g.Go(func() error {
			s.deps.Affinity.RunAnnouncer(gctx, s.config.Affinity.TTL/3)
			return nil
		})
	}
	if s.deps.HTTP != nil {
		g.Go(func() error {
			return s.deps.HTTP.Run(gctx)
		})
	}

	s.logger.Infof("Server: instance %s running", s.deps.InstanceID)
	err := g.Wait()
	s.logger.Info("Server: stopped")
	return err
}

// Drain 排空本实例：通知设备迁移，等待连接退出，超过宽限期强制关闭
// grace 为 0 时使用配置的默认宽限期
func (s *Server) Drain(ctx context.Context, reason string, grace time.Duration) (drain.Status, error) {
	if _, err := s.deps.Drain.Start(ctx, reason, grace); err != nil {
		return drain.Status{}, err
	}
	return s.deps.Drain.Complete(ctx)
}

// Close 按初始化的逆序释放组件，可重复调用
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.deps.HTTP != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpservice.DefaultShutdownTimeout)
			defer cancel()
			if err := s.deps.HTTP.Shutdown(shutdownCtx); err != nil {
				s.logger.WithError(err).Debug("Server: http shutdown")
			}
		}
		stopComponents(s.logger, s.components)
	})
}
