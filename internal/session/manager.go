package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"companion-gateway/internal/affinity"
	"companion-gateway/internal/broker"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
	"companion-gateway/internal/session/buffer"
	"companion-gateway/internal/session/connstate"
	"companion-gateway/internal/token"
)

const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultResumeAckTimeout  = 30 * time.Second
	DefaultSetupTimeout      = 10 * time.Second

	inboxSize      = 256
	cleanupTimeout = 5 * time.Second
)

// TokenService 连接内需要的令牌操作
type TokenService interface {
	VerifyAccess(tokenString, assertedDeviceID string) (*token.Claims, error)
	Refresh(ctx context.Context, refreshToken, assertedDeviceID, nonce string) (*token.Pair, error)
}

// AffinityBinder 设备到实例的绑定（仅作路由提示）
type AffinityBinder interface {
	Bind(ctx context.Context, deviceID, instanceID string) (*affinity.Binding, error)
	Touch(ctx context.Context, deviceID, instanceID string) error
	Release(ctx context.Context, deviceID, instanceID string) error
}

// Limiter 每连接消息限流
type Limiter interface {
	Allow(ctx context.Context, scope security.Scope, key string) error
}

// DeviceStates 设备生命周期迁移
type DeviceStates interface {
	SetState(ctx context.Context, deviceID string, to registry.State) error
}

// OpenRequest 流式连接的握手参数
type OpenRequest struct {
	DeviceID    string
	CompanionID string
	AccessToken string
}

// Config 管理器配置
type Config struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	ResumeAckTimeout  time.Duration
	SetupTimeout      time.Duration
	MaxBinaryFrame    int
	// ResumePolicy 恢复时共享存储不可用：closed 以 1011 关闭，open 以空缓冲继续
	ResumePolicy security.FailurePolicy
	Now          func() time.Time
	Metrics      *metrics.Metrics
	Logger       corelog.Logger
}

// Deps 外部依赖；Affinity、Broker、Limiter、Sink、Devices 可为空
type Deps struct {
	Tokens   TokenService
	Sessions *connstate.Registry
	Buffers  *buffer.Store
	Affinity AffinityBinder
	Broker   broker.MessageBroker
	Limiter  Limiter
	Sink     AudioSink
	Devices  DeviceStates
}

// Manager 本实例持有的流式连接
type Manager struct {
	deps    Deps
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics
	logger  corelog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection // deviceID -> 本地连接

	draining atomic.Bool
	dropped  atomic.Uint64
}

// NewManager 创建连接管理器
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Tokens == nil || deps.Sessions == nil || deps.Buffers == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "session manager requires tokens, sessions and buffers")
	}
	if cfg.InstanceID == "" {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "session manager requires an instance id")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ResumeAckTimeout <= 0 {
		cfg.ResumeAckTimeout = DefaultResumeAckTimeout
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.MaxBinaryFrame <= 0 {
		cfg.MaxBinaryFrame = message.DefaultMaxBinaryFrame
	}
	if cfg.ResumePolicy == "" {
		cfg.ResumePolicy = security.FailClosed
	}
	if deps.Sink == nil {
		deps.Sink = discardSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		now:     now,
		metrics: cfg.Metrics,
		logger:  corelog.OrDefault(cfg.Logger),
		conns:   make(map[string]*Connection),
	}, nil
}

// InstanceID 本实例标识
func (m *Manager) InstanceID() string {
	return m.cfg.InstanceID
}

// Capabilities welcome 中声明的能力
func (m *Manager) Capabilities() message.Capabilities {
	return message.Capabilities{
		MaxBinaryFrame:      m.cfg.MaxBinaryFrame,
		HeartbeatSeconds:    int(m.cfg.HeartbeatInterval / time.Second),
		BufferSize:          m.deps.Buffers.Capacity(),
		ResumeWindowSeconds: int(m.deps.Sessions.ResumeWindow() / time.Second),
	}
}

// SetDraining 排空期间拒绝新连接
func (m *Manager) SetDraining(draining bool) {
	m.draining.Store(draining)
}

// Draining 是否处于排空
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// DroppedTotal 本实例累计因缓冲溢出丢弃的消息数
func (m *Manager) DroppedTotal() uint64 {
	return m.dropped.Load()
}

func (m *Manager) recordDropped(deviceID string, n int) {
	if n <= 0 {
		return
	}
	m.dropped.Add(uint64(n))
	m.metrics.DroppedMessages(n)
	m.logger.WithFields(map[string]interface{}{
		"event":     "dropped_messages",
		"device_id": deviceID,
		"count":     n,
	}).Warn("Session: resume buffer overflow, oldest messages evicted")
}

// Connections 本地连接快照
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Count 本地连接数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Lookup 本地连接
func (m *Manager) Lookup(deviceID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[security.NormalizeDeviceID(deviceID)]
	return c, ok
}

// DeviceStatus 管理接口展示的会话状态
type DeviceStatus struct {
	Session *connstate.ConnectionSession `json:"session"`
	State   State                        `json:"state"`
	Local   bool                         `json:"local"`
}

// Status 查询设备的会话状态
func (m *Manager) Status(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	deviceID = security.NormalizeDeviceID(deviceID)
	rec, err := m.deps.Sessions.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	st := &DeviceStatus{
		Session: rec,
		State:   Lifecycle(rec, m.now(), m.deps.Sessions.ResumeWindow()),
	}
	if c, ok := m.Lookup(deviceID); ok && c.info.ConnectionID == rec.ConnectionID {
		st.Local = true
		st.State = c.State()
	}
	return st, nil
}

// register 登记本地连接，返回被替换的旧连接
func (m *Manager) register(c *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.conns[c.info.DeviceID]
	m.conns[c.info.DeviceID] = c
	return prev
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.info.DeviceID] == c {
		delete(m.conns, c.info.DeviceID)
	}
}

// Serve 处理一条已建立的传输直到连接结束
// 认证或恢复失败时以对应关闭码关闭传输并返回错误
func (m *Manager) Serve(ctx context.Context, t Transport, req OpenRequest) error {
	deviceID := security.NormalizeDeviceID(req.DeviceID)
	logger := m.logger.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"remote":    t.RemoteAddr(),
	})

	if m.Draining() {
		_ = t.Close(message.CloseDraining, "instance draining")
		return coreerrors.New(coreerrors.CodeDraining, "instance is draining")
	}
	if req.AccessToken == "" {
		_ = t.Close(message.CloseCredentialMissing, "access token missing")
		return coreerrors.New(coreerrors.CodeInvalidToken, "access token missing")
	}
	claims, err := m.deps.Tokens.VerifyAccess(req.AccessToken, deviceID)
	if err != nil {
		code := message.CloseCodeFor(err)
		logger.WithError(err).Infof("Session: handshake rejected, close %d", code)
		_ = t.Close(code, string(coreerrors.GetCode(err)))
		return err
	}
	companionID := claims.CompanionID
	if req.CompanionID != "" && req.CompanionID != companionID {
		_ = t.Close(message.CloseIdentityMismatch, "companion mismatch")
		return coreerrors.New(coreerrors.CodeAuthFailed, "companion does not match token")
	}
	tokenExpiry := time.Time{}
	if claims.ExpiresAt != nil {
		tokenExpiry = claims.ExpiresAt.Time
	}

	setupCtx, cancel := context.WithTimeout(ctx, m.cfg.SetupTimeout)
	c, resumed, err := m.open(setupCtx, t, deviceID, companionID, tokenExpiry, logger)
	cancel()
	if err != nil {
		code := message.CloseCodeFor(err)
		_ = t.Close(code, string(coreerrors.GetCode(err)))
		return err
	}
	c.run(ctx, resumed)
	return nil
}

// open 判定恢复或新建，取得会话记录并发送 welcome
func (m *Manager) open(ctx context.Context, t Transport, deviceID, companionID string, tokenExpiry time.Time, logger corelog.Logger) (*Connection, bool, error) {
	prev, err := m.deps.Sessions.Get(ctx, deviceID)
	switch {
	case coreerrors.IsCode(err, coreerrors.CodeNotFound):
		prev = nil
	case err != nil:
		if ferr := m.resumeStoreFailure(logger, err); ferr != nil {
			return nil, false, ferr
		}
		prev = nil
	}

	if prev != nil && !prev.Resumable(m.now(), m.deps.Sessions.ResumeWindow()) {
		m.expire(ctx, prev)
		m.metrics.Resume("expired")
		logger.Info("Session: resume window elapsed")
		return nil, false, coreerrors.New(coreerrors.CodeResumeFailed, "resume window elapsed")
	}

	sameCompanion := prev == nil || prev.CompanionID == companionID
	var handle *buffer.Handle
	existed := false
	if sameCompanion {
		handle, existed, err = m.deps.Buffers.Load(ctx, deviceID, companionID)
	} else {
		handle, err = m.deps.Buffers.Fresh(ctx, deviceID, companionID)
	}
	if err != nil {
		if ferr := m.resumeStoreFailure(logger, err); ferr != nil {
			return nil, false, ferr
		}
		handle = m.deps.Buffers.Detached(deviceID, companionID)
		existed = false
	}

	expectResume := prev != nil && sameCompanion && prev.Status == connstate.StatusDisconnected
	if expectResume && !existed {
		if m.cfg.ResumePolicy != security.FailOpen {
			m.expire(ctx, prev)
			m.metrics.Resume("missing_state")
			logger.Warn("Session: resume state missing")
			return nil, false, coreerrors.New(coreerrors.CodeResumeFailed, "resume state missing")
		}
		m.metrics.StoreFailOpen("resume")
		logger.WithField("event", "resume_state_missing").Warn("Session: resume state missing, starting fresh")
	}

	sessionID := uuid.NewString()
	if prev != nil && sameCompanion {
		sessionID = prev.SessionID
	}
	resumed := existed && len(handle.Buffer.Unacked()) > 0

	c := newConnection(m, t, SessionInfo{
		DeviceID:     deviceID,
		CompanionID:  companionID,
		SessionID:    sessionID,
		ConnectionID: uuid.NewString(),
	}, handle, tokenExpiry)
	c.setState(StateAuthenticated)

	superseded, err := m.deps.Sessions.Acquire(ctx, &connstate.ConnectionSession{
		DeviceID:      deviceID,
		CompanionID:   companionID,
		SessionID:     sessionID,
		ConnectionID:  c.info.ConnectionID,
		Status:        connstate.StatusConnected,
		OwnerInstance: m.cfg.InstanceID,
		TokenExpiry:   tokenExpiry,
	})
	if err != nil {
		logger.WithError(err).Error("Session: acquire session failed")
		return nil, false, err
	}
	if old := m.register(c); old != nil && old != c {
		old.supersede()
	}
	if superseded != nil && superseded.Status != connstate.StatusDisconnected &&
		superseded.OwnerInstance != m.cfg.InstanceID {
		m.publishSuperseded(ctx, superseded, c.info.ConnectionID)
	}

	if m.deps.Affinity != nil {
		if _, err := m.deps.Affinity.Bind(ctx, deviceID, m.cfg.InstanceID); err != nil {
			logger.WithError(err).Warn("Session: affinity bind failed")
		}
	}
	if err := handle.Save(ctx); err != nil {
		logger.WithError(err).Warn("Session: initial buffer save failed")
	}

	unacked := handle.Buffer.Unacked()
	welcome := message.Welcome{
		SessionID:    sessionID,
		ConnectionID: c.info.ConnectionID,
		Resumed:      resumed,
		ReplayCount:  len(unacked),
		LastAckedSeq: handle.Buffer.LastAcked(),
		Capabilities: m.Capabilities(),
	}
	if err := c.write(ctx, welcome, 0); err != nil {
		m.unregister(c)
		_ = m.deps.Sessions.MarkDisconnected(ctx, deviceID, c.info.ConnectionID)
		return nil, false, coreerrors.Wrap(err, coreerrors.CodeInternal, "send welcome failed")
	}

	m.setDeviceState(ctx, deviceID, registry.StateActive)
	m.metrics.SessionOpened()
	if resumed {
		m.metrics.Resume("resumed")
	} else {
		m.metrics.Resume("fresh")
	}
	logger.WithFields(map[string]interface{}{
		"session_id":    sessionID,
		"connection_id": c.info.ConnectionID,
		"resumed":       resumed,
		"replay":        len(unacked),
	}).Info("Session: connection established")
	return c, resumed, nil
}

// resumeStoreFailure 共享存储不可用；fail-open 时返回 nil 表示继续
func (m *Manager) resumeStoreFailure(logger corelog.Logger, err error) error {
	if !coreerrors.IsCode(err, coreerrors.CodeStoreUnavailable) {
		return err
	}
	if m.cfg.ResumePolicy == security.FailOpen {
		m.metrics.StoreFailOpen("resume")
		logger.WithError(err).WithField("event", "store_fail_open").Warn("Session: shared store unavailable, continuing without resume state")
		return nil
	}
	m.metrics.Resume("store_unavailable")
	logger.WithError(err).Error("Session: shared store unavailable")
	return err
}

// expire 清理窗口外或状态缺失的会话
func (m *Manager) expire(ctx context.Context, prev *connstate.ConnectionSession) {
	if err := m.deps.Sessions.Delete(ctx, prev.DeviceID, prev.ConnectionID); err != nil {
		m.logger.WithError(err).Warn("Session: delete expired session failed")
	}
	if err := m.deps.Buffers.Delete(ctx, prev.DeviceID, prev.CompanionID); err != nil {
		m.logger.WithError(err).Warn("Session: delete expired buffer failed")
	}
	m.setDeviceState(ctx, prev.DeviceID, registry.StateInactive)
}

// setDeviceState 同步设备生命周期；未登记的设备（如 auto_register 关闭前的旧令牌）忽略
func (m *Manager) setDeviceState(ctx context.Context, deviceID string, to registry.State) {
	if m.deps.Devices == nil {
		return
	}
	err := m.deps.Devices.SetState(ctx, deviceID, to)
	if err == nil || coreerrors.IsCode(err, coreerrors.CodeNotFound) {
		return
	}
	m.logger.WithError(err).WithField("device_id", deviceID).Warnf("Session: set device state %s failed", to)
}

func (m *Manager) publishSuperseded(ctx context.Context, prev *connstate.ConnectionSession, newConnection string) {
	if m.deps.Broker == nil {
		return
	}
	payload, err := json.Marshal(broker.SessionSupersededMessage{
		DeviceID:      prev.DeviceID,
		ConnectionID:  prev.ConnectionID,
		OwnerInstance: prev.OwnerInstance,
		NewConnection: newConnection,
		Timestamp:     m.now().Unix(),
	})
	if err != nil {
		return
	}
	if err := m.deps.Broker.Publish(ctx, broker.TopicSessionSuperseded, payload); err != nil {
		m.logger.WithError(err).Warn("Session: publish superseded failed")
	}
}

// Send 向设备投递一条下行消息
// 设备在本实例：进入连接的事件循环；否则先追加到共享重放缓冲，
// 再提醒持有连接的实例合并下发。持有实例宕机时消息留在缓冲，恢复时重放
func (m *Manager) Send(ctx context.Context, deviceID, companionID string, msg message.ServerMessage) error {
	deviceID = security.NormalizeDeviceID(deviceID)
	if !message.Sequenced(msg) {
		c, ok := m.Lookup(deviceID)
		if !ok {
			return coreerrors.Newf(coreerrors.CodeNotFound, "device %s is not connected here", deviceID)
		}
		return c.post(ctx, event{kind: evNotify, msg: msg})
	}
	typ, body, err := message.Body(msg)
	if err != nil {
		return err
	}
	return m.deliver(ctx, deviceID, companionID, string(typ), body)
}

func (m *Manager) deliver(ctx context.Context, deviceID, companionID, typ string, body []byte) error {
	if c, ok := m.Lookup(deviceID); ok && c.info.CompanionID == companionID {
		err := c.post(ctx, event{kind: evDeliver, typ: typ, body: body})
		if err != errConnectionClosed {
			return err
		}
	}

	appended, evicted, err := m.deps.Buffers.Append(ctx, deviceID, companionID, typ, body)
	if err != nil {
		return err
	}
	m.recordDropped(deviceID, evicted)
	m.nudgeOwner(ctx, deviceID, companionID, appended.Seq)
	return nil
}

// nudgeOwner 通知持有连接的实例合并共享缓冲；失败只记录，消息已持久化
func (m *Manager) nudgeOwner(ctx context.Context, deviceID, companionID string, seq uint64) {
	sess, err := m.deps.Sessions.Get(ctx, deviceID)
	if err != nil || sess.CompanionID != companionID || sess.Status == connstate.StatusDisconnected {
		return
	}
	if sess.OwnerInstance == m.cfg.InstanceID {
		m.syncLocal(ctx, deviceID, companionID)
		return
	}
	if m.deps.Broker == nil {
		return
	}
	payload, err := json.Marshal(broker.SessionDeliverMessage{
		DeviceID:      deviceID,
		CompanionID:   companionID,
		OwnerInstance: sess.OwnerInstance,
		Seq:           seq,
	})
	if err != nil {
		return
	}
	if err := m.deps.Broker.Publish(ctx, broker.TopicSessionDeliver, payload); err != nil {
		m.logger.WithError(err).WithField("device_id", deviceID).Warn("Session: deliver notice not published, owner picks it up on heartbeat")
	}
}

// syncLocal 让本地连接并入共享缓冲中的新消息
func (m *Manager) syncLocal(ctx context.Context, deviceID, companionID string) {
	c, ok := m.Lookup(deviceID)
	if !ok || c.info.CompanionID != companionID {
		return
	}
	if err := c.post(ctx, event{kind: evSync}); err != nil && err != errConnectionClosed {
		c.logger.WithError(err).Warn("Session: buffer sync not scheduled")
	}
}

// Run 订阅实例间事件，直到 ctx 结束
func (m *Manager) Run(ctx context.Context) error {
	if m.deps.Broker == nil {
		<-ctx.Done()
		return nil
	}
	superseded, err := m.deps.Broker.Subscribe(ctx, broker.TopicSessionSuperseded)
	if err != nil {
		return err
	}
	deliveries, err := m.deps.Broker.Subscribe(ctx, broker.TopicSessionDeliver)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-superseded:
			if !ok {
				return nil
			}
			m.onSuperseded(msg)
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			m.onDeliver(ctx, msg)
		}
	}
}

func (m *Manager) onSuperseded(msg *broker.Message) {
	var ev broker.SessionSupersededMessage
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		m.logger.WithError(err).Warn("Session: bad superseded event")
		return
	}
	if ev.OwnerInstance != m.cfg.InstanceID {
		return
	}
	if c, ok := m.Lookup(ev.DeviceID); ok && c.info.ConnectionID == ev.ConnectionID {
		c.supersede()
	}
}

func (m *Manager) onDeliver(ctx context.Context, msg *broker.Message) {
	var ev broker.SessionDeliverMessage
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		m.logger.WithError(err).Warn("Session: bad deliver event")
		return
	}
	if ev.OwnerInstance != m.cfg.InstanceID {
		return
	}
	m.syncLocal(ctx, ev.DeviceID, ev.CompanionID)
}
