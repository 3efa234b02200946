// Package drain 实例排空
//
// 开始排空后实例从负载均衡摘除，现有连接收到 drain 通知并在缓冲全部确认后
// 以 4012 关闭；截止时间到仍未关闭的连接被强制关闭，缓冲留在共享存储中，
// 设备在其他实例上恢复。
package drain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"companion-gateway/internal/broker"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/health"
	"companion-gateway/internal/session"
)

const (
	DefaultGrace          = 30 * time.Second
	DefaultMaxGrace       = 60 * time.Second
	DefaultReconnectAfter = time.Second

	pollInterval      = 50 * time.Millisecond
	forceCloseTimeout = 5 * time.Second
)

// State 排空阶段
type State string

const (
	StateIdle      State = "idle"
	StateDraining  State = "draining"
	StateDrained   State = "drained"   // 连接已全部关闭
	StateCompleted State = "completed" // 已执行完成回调
)

// Status 排空进度
type Status struct {
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Remaining   int        `json:"remaining"`
	ForceClosed int        `json:"force_closed"`
	Dropped     uint64     `json:"dropped_messages_during_drain"`
}

// Sessions 本实例的连接集合
type Sessions interface {
	Connections() []*session.Connection
	Count() int
	SetDraining(draining bool)
	DroppedTotal() uint64
}

// Announcer 实例登记，排空时撤下
type Announcer interface {
	Withdraw(ctx context.Context) error
}

// Config 排空配置
type Config struct {
	InstanceID     string
	DefaultGrace   time.Duration
	MaxGrace       time.Duration
	ReconnectAfter time.Duration
	Broker         broker.MessageBroker
	Announcer      Announcer
	Now            func() time.Time
	Metrics        *metrics.Metrics
	Logger         corelog.Logger
}

// Coordinator 排空协调
type Coordinator struct {
	sessions Sessions
	health   *health.Manager
	cfg      Config
	now      func() time.Time
	logger   corelog.Logger

	mu          sync.Mutex
	status      Status
	droppedBase uint64
	done        chan struct{}
	force       chan struct{}
	forceOnce   sync.Once
	hooks       []func(ctx context.Context)
}

// NewCoordinator 创建排空协调器
func NewCoordinator(sessions Sessions, h *health.Manager, cfg Config) *Coordinator {
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = DefaultGrace
	}
	if cfg.MaxGrace <= 0 {
		cfg.MaxGrace = DefaultMaxGrace
	}
	if cfg.DefaultGrace > cfg.MaxGrace {
		cfg.DefaultGrace = cfg.MaxGrace
	}
	if cfg.ReconnectAfter <= 0 {
		cfg.ReconnectAfter = DefaultReconnectAfter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		sessions: sessions,
		health:   h,
		cfg:      cfg,
		now:      now,
		logger:   corelog.OrDefault(cfg.Logger),
		status:   Status{State: StateIdle},
	}
}

// OnComplete 注册完成回调（通常是关闭 HTTP 服务）
func (c *Coordinator) OnComplete(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Start 开始排空；grace 为 0 用默认值，超过上限时截断；排空进行中重复调用直接返回当前进度
func (c *Coordinator) Start(ctx context.Context, reason string, grace time.Duration) (Status, error) {
	c.mu.Lock()
	if c.status.State != StateIdle {
		st := c.snapshotLocked()
		c.mu.Unlock()
		return st, nil
	}
	if grace <= 0 {
		grace = c.cfg.DefaultGrace
	}
	if grace > c.cfg.MaxGrace {
		grace = c.cfg.MaxGrace
	}
	if reason == "" {
		reason = "maintenance"
	}
	started := c.now()
	deadline := started.Add(grace)
	c.status = Status{
		State:     StateDraining,
		Reason:    reason,
		StartedAt: &started,
		Deadline:  &deadline,
	}
	c.droppedBase = c.sessions.DroppedTotal()
	c.done = make(chan struct{})
	c.force = make(chan struct{})
	done, force := c.done, c.force
	c.mu.Unlock()

	if c.health != nil {
		c.health.MarkDraining()
	}
	c.sessions.SetDraining(true)

	logger := c.logger.WithFields(map[string]interface{}{
		"event":  "drain_start",
		"reason": reason,
		"grace":  grace.String(),
	})
	logger.Infof("Drain: started with %d connections", c.sessions.Count())

	if c.cfg.Announcer != nil {
		if err := c.cfg.Announcer.Withdraw(ctx); err != nil {
			logger.WithError(err).Warn("Drain: withdraw instance failed")
		}
	}
	c.publish(ctx, reason, deadline)

	for _, conn := range c.sessions.Connections() {
		if err := conn.Drain(ctx, reason, c.cfg.ReconnectAfter); err != nil {
			logger.WithError(err).Warn("Drain: notify connection failed")
		}
	}

	go c.watch(grace, done, force)
	return c.Status(), nil
}

func (c *Coordinator) publish(ctx context.Context, reason string, deadline time.Time) {
	if c.cfg.Broker == nil {
		return
	}
	payload, err := json.Marshal(broker.InstanceDrainingMessage{
		InstanceID: c.cfg.InstanceID,
		Reason:     reason,
		Deadline:   deadline.Unix(),
		Timestamp:  c.now().Unix(),
	})
	if err != nil {
		return
	}
	if err := c.cfg.Broker.Publish(ctx, broker.TopicInstanceDraining, payload); err != nil {
		c.logger.WithError(err).Warn("Drain: publish draining event failed")
	}
}

// watch 等待连接自然关闭，截止或被要求时强制关闭剩余连接
func (c *Coordinator) watch(grace time.Duration, done, force chan struct{}) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	forced := 0
	for waiting := true; waiting; {
		if c.sessions.Count() == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			forced = c.forceClose()
			waiting = false
		case <-force:
			forced = c.forceClose()
			waiting = false
		}
	}

	c.mu.Lock()
	c.status.State = StateDrained
	c.status.ForceClosed = forced
	c.status.Remaining = c.sessions.Count()
	c.status.Dropped = c.sessions.DroppedTotal() - c.droppedBase
	st := c.status
	close(done)
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"event":        "drain_finished",
		"force_closed": st.ForceClosed,
		"dropped":      st.Dropped,
	}).Info("Drain: all connections closed")
}

// forceClose 并发以 4012 关闭剩余连接，缓冲保留以便恢复
func (c *Coordinator) forceClose() int {
	conns := c.sessions.Connections()
	if len(conns) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), forceCloseTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error {
			return conn.ForceClose(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.WithError(err).Warn("Drain: force close incomplete")
	}
	c.cfg.Metrics.DrainForceClosed(len(conns))
	c.logger.WithField("count", len(conns)).Warn("Drain: deadline reached, remaining connections force-closed")
	return len(conns)
}

// Status 当前进度
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Status {
	st := c.status
	if st.State == StateDraining {
		st.Remaining = c.sessions.Count()
		st.Dropped = c.sessions.DroppedTotal() - c.droppedBase
	}
	return st
}

// Complete 等待排空结束（ctx 先结束时立即强制关闭剩余连接），然后执行完成回调
func (c *Coordinator) Complete(ctx context.Context) (Status, error) {
	c.mu.Lock()
	switch c.status.State {
	case StateIdle:
		c.mu.Unlock()
		return Status{State: StateIdle}, coreerrors.New(coreerrors.CodeInvalidState, "no drain in progress")
	case StateCompleted:
		st := c.status
		c.mu.Unlock()
		return st, nil
	}
	done, force := c.done, c.force
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		c.forceOnce.Do(func() { close(force) })
		<-done
	}

	c.mu.Lock()
	if c.status.State == StateCompleted {
		st := c.status
		c.mu.Unlock()
		return st, nil
	}
	c.status.State = StateCompleted
	st := c.status
	hooks := append([]func(context.Context){}, c.hooks...)
	c.mu.Unlock()

	hookCtx, cancel := context.WithTimeout(context.Background(), forceCloseTimeout)
	defer cancel()
	for _, fn := range hooks {
		fn(hookCtx)
	}
	c.logger.WithField("event", "drain_complete").Info("Drain: completed")
	return st, nil
}
