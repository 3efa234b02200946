// Package httpservice 网关的 HTTP 入口
//
// 公网监听承载认领、刷新、配对与流式连接升级；管理监听承载排空、指标和内部查询，
// 只应绑定在内网地址上。
package httpservice

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"companion-gateway/internal/affinity"
	"companion-gateway/internal/claim"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/drain"
	"companion-gateway/internal/health"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/security"
	"companion-gateway/internal/session"
	"companion-gateway/internal/token"
)

const (
	maxBodyBytes           = 64 << 10
	DefaultPingInterval    = 20 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	healthCheckTimeout     = 5 * time.Second
)

// ClaimService 认领
type ClaimService interface {
	Claim(ctx context.Context, req claim.Request) ([]byte, error)
}

// TokenRefresher 刷新令牌
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, deviceID, nonce string) (*token.Pair, error)
	AccessTTL() time.Duration
}

// PairingService 配对材料
type PairingService interface {
	Issue(ctx context.Context, companionID, deviceID string) (*pairing.Material, error)
	Seal(ctx context.Context, code string, creds pairing.NetworkCredentials) (*pairing.Sealed, error)
}

// SessionServer 流式会话
type SessionServer interface {
	Serve(ctx context.Context, t session.Transport, req session.OpenRequest) error
	Status(ctx context.Context, deviceID string) (*session.DeviceStatus, error)
	Draining() bool
}

// DrainController 排空控制
type DrainController interface {
	Start(ctx context.Context, reason string, grace time.Duration) (drain.Status, error)
	Status() drain.Status
	Complete(ctx context.Context) (drain.Status, error)
}

// AffinityLookup 设备归属查询
type AffinityLookup interface {
	Lookup(ctx context.Context, deviceID string) (*affinity.Binding, error)
}

// Deps HTTP 层依赖
type Deps struct {
	Claims    ClaimService
	Tokens    TokenRefresher
	Pairing   PairingService
	Sessions  SessionServer
	Health    *health.Manager
	Checks    *health.Composite
	Drain     DrainController
	Affinity  AffinityLookup
	IPLimiter *security.IPLimiter
	Gatherer  prometheus.Gatherer
}

// Config HTTP 配置
type Config struct {
	Listen          string
	AdminListen     string
	MaxConnections  int // 公网监听的并发连接上限，0 不限制
	MaxBinaryFrame  int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          corelog.Logger
}

// Service 公网与管理两个 HTTP 服务
type Service struct {
	deps     Deps
	cfg      Config
	logger   corelog.Logger
	upgrader websocket.Upgrader

	// 流式连接独立于请求上下文，Shutdown 时统一取消
	connCtx    context.Context
	connCancel context.CancelFunc

	public *http.Server
	admin  *http.Server
}

// New 创建 HTTP 服务
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Sessions == nil || deps.Claims == nil || deps.Tokens == nil || deps.Health == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "httpservice requires sessions, claims, tokens and health")
	}
	if cfg.MaxBinaryFrame <= 0 {
		cfg.MaxBinaryFrame = message.DefaultMaxBinaryFrame
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		logger: corelog.OrDefault(cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 设备不是浏览器，没有 Origin 可校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connCtx:    ctx,
		connCancel: cancel,
	}
	s.public = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.admin = &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Service) baseRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, coreerrors.New(coreerrors.CodeNotFound, "no such route"))
	})
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	return r
}

// PublicHandler 公网路由
func (s *Service) PublicHandler() http.Handler {
	r := s.baseRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	limited := v1.NewRoute().Subrouter()
	limited.Use(ipLimitMiddleware(s.deps.IPLimiter))
	limited.HandleFunc("/claim", s.handleClaim).Methods(http.MethodPost)
	limited.HandleFunc("/token/refresh", s.handleRefresh).Methods(http.MethodPost)
	if s.deps.Pairing != nil {
		limited.HandleFunc("/pairing", s.handlePairingIssue).Methods(http.MethodPost)
		limited.HandleFunc("/pairing/{code}/seal", s.handlePairingSeal).Methods(http.MethodPost)
	}
	v1.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	return r
}

// AdminHandler 管理路由
func (s *Service) AdminHandler() http.Handler {
	r := s.baseRouter()
	if s.deps.Drain != nil {
		r.HandleFunc("/admin/drain", s.handleDrainStart).Methods(http.MethodPost)
		r.HandleFunc("/admin/drain", s.handleDrainStatus).Methods(http.MethodGet)
		r.HandleFunc("/admin/drain/complete", s.handleDrainComplete).Methods(http.MethodPost)
	}
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.Affinity != nil {
		r.HandleFunc("/internal/affinity/{device_id}", s.handleAffinity).Methods(http.MethodGet)
	}
	r.HandleFunc("/internal/sessions/{device_id}", s.handleSessionStatus).Methods(http.MethodGet)
	return r
}

// Run 启动两个监听，ctx 结束后关闭
func (s *Service) Run(ctx context.Context) error {
	listeners, err := s.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for srv, ln := range listeners {
		g.Go(func() error {
			s.logger.Infof("HTTP: listening on %s", ln.Addr())
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				return coreerrors.Wrapf(err, coreerrors.CodeInternal, "serve on %s", srv.Addr)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// listen 打开所有已配置的监听；公网监听按 MaxConnections 限制并发连接
func (s *Service) listen() (map[*http.Server]net.Listener, error) {
	listeners := make(map[*http.Server]net.Listener, 2)
	for _, srv := range []*http.Server{s.public, s.admin} {
		if srv.Addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, coreerrors.Wrapf(err, coreerrors.CodeInternal, "listen on %s", srv.Addr)
		}
		if srv == s.public && s.cfg.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
		}
		listeners[srv] = ln
	}
	return listeners, nil
}

// Shutdown 停止接受请求并取消仍在运行的流式连接
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP: shutting down")
	s.connCancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{s.public, s.admin} {
		g.Go(func() error { return srv.Shutdown(gctx) })
	}
	return g.Wait()
}
