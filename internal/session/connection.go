package session

import (
	"context"
	"sync"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
	"companion-gateway/internal/session/buffer"
	"companion-gateway/internal/session/connstate"
)

type eventKind int

const (
	evDeliver    eventKind = iota // 编号下行消息
	evNotify                      // 不编号的控制消息
	evSync                        // 共享缓冲有其他实例追加的消息
	evDrain                       // 开始排空
	evForceClose                  // 排空截止
)

type event struct {
	kind eventKind
	typ  string
	body []byte
	msg  message.ServerMessage
}

var errConnectionClosed = coreerrors.New(coreerrors.CodeInvalidState, "connection closed")

type readResult struct {
	frame message.Frame
	err   error
}

// exit 事件循环的结束原因
type exit struct {
	code       message.CloseCode
	reason     string
	lost       bool // 传输已断开
	superseded bool // 记录已归新连接所有，不再写共享状态
}

// Connection 一条流式连接
type Connection struct {
	mgr       *Manager
	info      SessionInfo
	transport Transport
	handle    *buffer.Handle
	logger    corelog.Logger

	stateMu sync.RWMutex
	state   State

	// 以下字段只在事件循环内访问
	tokenExpiry  time.Time
	lastWritten  uint64
	resumeTarget uint64

	inbox         chan event
	supersededCh  chan struct{}
	supersedeOnce sync.Once
	exiting       chan struct{}

	postMu sync.RWMutex
	closed bool

	done      chan struct{}
	closeCode message.CloseCode
}

func newConnection(m *Manager, t Transport, info SessionInfo, h *buffer.Handle, tokenExpiry time.Time) *Connection {
	return &Connection{
		mgr:       m,
		info:      info,
		transport: t,
		handle:    h,
		logger: m.logger.WithFields(map[string]interface{}{
			"device_id":     info.DeviceID,
			"session_id":    info.SessionID,
			"connection_id": info.ConnectionID,
		}),
		state:        StateConnecting,
		tokenExpiry:  tokenExpiry,
		lastWritten:  h.Buffer.LastAcked(),
		inbox:        make(chan event, inboxSize),
		supersededCh: make(chan struct{}),
		exiting:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Info 会话标识
func (c *Connection) Info() SessionInfo {
	return c.info
}

// State 当前状态
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done 连接结束后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseCode 连接结束时使用的关闭码，Done 之前为 0
func (c *Connection) CloseCode() message.CloseCode {
	select {
	case <-c.done:
		return c.closeCode
	default:
		return 0
	}
}

func (c *Connection) setState(to State) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !CanTransition(c.state, to) {
		c.logger.WithError(invalidTransition(c.state, to)).Debug("Session: transition ignored")
		return false
	}
	c.state = to
	return true
}

// post 把事件交给事件循环；循环已退出时返回 errConnectionClosed
func (c *Connection) post(ctx context.Context, ev event) error {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.inbox <- ev:
		return nil
	case <-c.exiting:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) supersede() {
	c.supersedeOnce.Do(func() { close(c.supersededCh) })
}

// Drain 通知设备实例即将下线；缓冲全部确认后以 4012 关闭
func (c *Connection) Drain(ctx context.Context, reason string, reconnectAfter time.Duration) error {
	err := c.post(ctx, event{kind: evDrain, msg: message.Drain{
		Reason:           reason,
		ReconnectAfterMs: reconnectAfter.Milliseconds(),
	}})
	if err == errConnectionClosed {
		return nil
	}
	return err
}

// ForceClose 以 4012 关闭并等待清理完成
func (c *Connection) ForceClose(ctx context.Context) error {
	if err := c.post(ctx, event{kind: evForceClose}); err != nil && err != errConnectionClosed {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) write(ctx context.Context, msg message.ServerMessage, seq uint64) error {
	f, err := message.Encode(msg, seq)
	if err != nil {
		return err
	}
	return c.transport.WriteFrame(ctx, f)
}

func (c *Connection) notify(ctx context.Context, msg message.ServerMessage) *exit {
	if err := c.write(ctx, msg, 0); err != nil {
		return &exit{lost: true, reason: "write failed"}
	}
	return nil
}

// flush 按序写出尚未在本连接上发送过的缓冲消息
func (c *Connection) flush(ctx context.Context) *exit {
	for _, m := range c.handle.Buffer.Unacked() {
		if m.Seq <= c.lastWritten {
			continue
		}
		f, err := message.EncodeBody(message.Type(m.Type), m.Seq, m.Body)
		if err != nil {
			c.logger.WithError(err).Errorf("Session: skip unencodable message %d", m.Seq)
			c.lastWritten = m.Seq
			continue
		}
		if err := c.transport.WriteFrame(ctx, f); err != nil {
			return &exit{lost: true, reason: "write failed"}
		}
		c.lastWritten = m.Seq
	}
	return nil
}

func (c *Connection) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		f, err := c.transport.ReadFrame(ctx)
		select {
		case out <- readResult{frame: f, err: err}:
		case <-c.exiting:
			return
		}
		if err != nil {
			return
		}
	}
}

// run 事件循环；恢复时先重放，收到最后一条的确认或超时后才发送新消息
func (c *Connection) run(ctx context.Context, resumed bool) {
	frames := make(chan readResult, 1)
	go c.readLoop(ctx, frames)

	var resumeC <-chan time.Time
	var ex *exit
	if resumed {
		c.setState(StateResuming)
		c.resumeTarget = c.handle.Buffer.LastSeq()
		ex = c.flush(ctx)
		timer := time.NewTimer(c.mgr.cfg.ResumeAckTimeout)
		defer timer.Stop()
		resumeC = timer.C
	} else {
		c.setState(StateActive)
	}

	heartbeat := time.NewTicker(c.mgr.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for ex == nil {
		select {
		case <-ctx.Done():
			ex = &exit{code: message.CloseDraining, reason: "server shutting down"}
		case <-c.supersededCh:
			ex = &exit{code: message.CloseSuperseded, reason: "superseded", superseded: true}
		case r := <-frames:
			if r.err != nil {
				ex = &exit{lost: true, reason: r.err.Error()}
			} else {
				ex = c.handleFrame(ctx, r.frame)
			}
		case ev := <-c.inbox:
			ex = c.onEvent(ctx, ev)
		case <-heartbeat.C:
			ex = c.tick(ctx)
		case <-resumeC:
			resumeC = nil
			if c.State() == StateResuming {
				c.logger.Info("Session: replay not acknowledged in time, resuming live traffic")
				ex = c.activate(ctx)
			}
		}
	}
	c.finish(*ex)
}

func (c *Connection) activate(ctx context.Context) *exit {
	if !c.setState(StateActive) {
		return nil
	}
	return c.flush(ctx)
}

func (c *Connection) handleFrame(ctx context.Context, f message.Frame) *exit {
	msg, err := message.DecodeDevice(f, c.mgr.cfg.MaxBinaryFrame)
	if err != nil {
		c.mgr.metrics.MalformedFrame()
		c.logger.WithError(err).Debug("Session: malformed frame rejected")
		return c.notify(ctx, message.MalformedFrame{Reason: reasonOf(err)})
	}

	switch m := msg.(type) {
	case message.Ack:
		return c.onAck(ctx, m.Seq)
	case message.Ping:
		return nil
	case message.RefreshRequest:
		if ok, ex := c.allow(ctx); !ok {
			return ex
		}
		return c.onRefresh(ctx, m)
	case message.InboundAudio:
		if ok, ex := c.allow(ctx); !ok {
			return ex
		}
		return c.onAudio(ctx, m.Payload)
	}
	return nil
}

// allow 每连接消息限流；锁定时关闭连接，普通超限只丢弃该帧
func (c *Connection) allow(ctx context.Context) (bool, *exit) {
	limiter := c.mgr.deps.Limiter
	if limiter == nil {
		return true, nil
	}
	err := limiter.Allow(ctx, security.ScopeMessage, c.info.ConnectionID)
	if err == nil {
		return true, nil
	}
	if !coreerrors.IsCode(err, coreerrors.CodeRateLimited) {
		c.logger.WithError(err).Warn("Session: message limiter unavailable, frame dropped")
		return false, nil
	}
	if security.IsLockout(err) {
		return false, &exit{code: message.CloseRateLimited, reason: "message rate lockout"}
	}
	retry, _ := coreerrors.RetryAfter(err)
	return false, c.notify(ctx, message.RateLimit{
		Scope:        string(security.ScopeMessage),
		RetryAfterMs: retry.Milliseconds(),
	})
}

func (c *Connection) onAck(ctx context.Context, seq uint64) *exit {
	if c.handle.Buffer.Ack(seq) > 0 {
		if err := c.handle.Save(ctx); err != nil {
			c.logger.WithError(err).Warn("Session: persist ack failed")
		}
	}
	switch c.State() {
	case StateResuming:
		if seq >= c.resumeTarget {
			return c.activate(ctx)
		}
	case StateDraining:
		if c.handle.Buffer.Len() == 0 {
			return &exit{code: message.CloseDraining, reason: "drained"}
		}
	}
	return nil
}

func (c *Connection) onRefresh(ctx context.Context, req message.RefreshRequest) *exit {
	pair, err := c.mgr.deps.Tokens.Refresh(ctx, req.RefreshToken, c.info.DeviceID, req.Nonce)
	if err != nil {
		c.logger.WithError(err).Info("Session: in-band refresh rejected")
		return c.notify(ctx, message.RefreshResponse{
			Error:   string(coreerrors.GetCode(err)),
			Message: reasonOf(err),
		})
	}
	c.tokenExpiry = pair.AccessExpiresAt
	if err := c.mgr.deps.Sessions.Touch(ctx, c.info.DeviceID, c.info.ConnectionID, c.tokenExpiry); err != nil {
		if err == connstate.ErrSuperseded {
			return &exit{code: message.CloseSuperseded, reason: "superseded", superseded: true}
		}
		c.logger.WithError(err).Warn("Session: record token expiry failed")
	}
	return c.notify(ctx, message.RefreshResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    int64(pair.AccessExpiresAt.Sub(c.mgr.now()) / time.Second),
	})
}

func (c *Connection) onAudio(ctx context.Context, payload []byte) *exit {
	err := c.mgr.deps.Sink.HandleAudio(ctx, c.info, payload)
	if err == nil {
		return nil
	}
	if coreerrors.IsCode(err, coreerrors.CodePolicyViolation) {
		return c.notify(ctx, message.PolicyViolation{Reason: reasonOf(err)})
	}
	c.logger.WithError(err).Warn("Session: audio sink failed")
	return nil
}

func (c *Connection) onEvent(ctx context.Context, ev event) *exit {
	switch ev.kind {
	case evDeliver:
		_, evicted := c.handle.Buffer.Enqueue(ev.typ, ev.body)
		c.mgr.recordDropped(c.info.DeviceID, evicted)
		if err := c.handle.Save(ctx); err != nil {
			c.logger.WithError(err).Warn("Session: persist buffer failed")
		}
		if st := c.State(); st == StateActive || st == StateDraining {
			return c.flush(ctx)
		}
	case evNotify:
		return c.notify(ctx, ev.msg)
	case evSync:
		return c.sync(ctx)
	case evDrain:
		return c.beginDrain(ctx, ev.msg)
	case evForceClose:
		return &exit{code: message.CloseDraining, reason: "drain deadline reached"}
	}
	return nil
}

// sync 写回本地缓冲，顺带并入其他实例追加的消息并按序下发
func (c *Connection) sync(ctx context.Context) *exit {
	before := c.handle.Buffer.LastSeq()
	if err := c.handle.Save(ctx); err != nil {
		c.logger.WithError(err).Warn("Session: buffer sync failed")
		return nil
	}
	if c.handle.Buffer.LastSeq() == before {
		return nil
	}
	if st := c.State(); st == StateActive || st == StateDraining {
		return c.flush(ctx)
	}
	return nil
}

func (c *Connection) beginDrain(ctx context.Context, notice message.ServerMessage) *exit {
	if !c.setState(StateDraining) {
		return nil
	}
	err := c.mgr.deps.Sessions.SetStatus(ctx, c.info.DeviceID, c.info.ConnectionID, connstate.StatusDraining)
	if err == connstate.ErrSuperseded {
		return &exit{code: message.CloseSuperseded, reason: "superseded", superseded: true}
	}
	if err != nil {
		c.logger.WithError(err).Warn("Session: mark draining failed")
	}
	if ex := c.notify(ctx, notice); ex != nil {
		return ex
	}
	if c.handle.Buffer.Len() == 0 {
		return &exit{code: message.CloseDraining, reason: "drained"}
	}
	return c.flush(ctx)
}

func (c *Connection) tick(ctx context.Context) *exit {
	if !c.tokenExpiry.IsZero() && !c.mgr.now().Before(c.tokenExpiry) {
		return &exit{code: message.CloseCredentialExpired, reason: "access token expired"}
	}
	err := c.mgr.deps.Sessions.Touch(ctx, c.info.DeviceID, c.info.ConnectionID, c.tokenExpiry)
	if err == connstate.ErrSuperseded {
		return &exit{code: message.CloseSuperseded, reason: "superseded", superseded: true}
	}
	if err != nil {
		c.logger.WithError(err).Warn("Session: heartbeat touch failed")
	}
	// 写回同时刷新缓冲 TTL；broker 提醒丢失时在这里补上
	if ex := c.sync(ctx); ex != nil {
		return ex
	}
	if a := c.mgr.deps.Affinity; a != nil {
		if err := a.Touch(ctx, c.info.DeviceID, c.mgr.cfg.InstanceID); err != nil {
			c.logger.WithError(err).Debug("Session: affinity touch failed")
		}
	}
	return nil
}

// finish 关闭传输并写回共享状态；被取代的连接不写回
func (c *Connection) finish(ex exit) {
	close(c.exiting)
	c.postMu.Lock()
	c.closed = true
	c.postMu.Unlock()

	var pending []event
	for more := true; more; {
		select {
		case ev := <-c.inbox:
			if ev.kind == evDeliver {
				pending = append(pending, ev)
			}
		default:
			more = false
		}
	}

	code := ex.code
	if ex.lost {
		code = message.CloseAbnormal
	}
	_ = c.transport.Close(code, ex.reason)
	c.setState(StateDisconnected)
	c.mgr.unregister(c)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if ex.superseded {
		// 新持有者负责后续投递
		for _, ev := range pending {
			if err := c.mgr.deliver(ctx, c.info.DeviceID, c.info.CompanionID, ev.typ, ev.body); err != nil {
				c.logger.WithError(err).Warn("Session: hand over pending message failed")
			}
		}
	} else {
		for _, ev := range pending {
			_, evicted := c.handle.Buffer.Enqueue(ev.typ, ev.body)
			c.mgr.recordDropped(c.info.DeviceID, evicted)
		}
		if err := c.handle.Save(ctx); err != nil {
			c.logger.WithError(err).Warn("Session: final buffer save failed")
		}
		err := c.mgr.deps.Sessions.MarkDisconnected(ctx, c.info.DeviceID, c.info.ConnectionID)
		switch {
		case err == nil:
			c.mgr.setDeviceState(ctx, c.info.DeviceID, registry.StateInactive)
		case err != connstate.ErrSuperseded:
			c.logger.WithError(err).Warn("Session: mark disconnected failed")
		}
		if code == message.CloseDraining && c.mgr.deps.Affinity != nil {
			if err := c.mgr.deps.Affinity.Release(ctx, c.info.DeviceID, c.mgr.cfg.InstanceID); err != nil {
				c.logger.WithError(err).Debug("Session: affinity release failed")
			}
		}
	}

	c.closeCode = code
	c.mgr.metrics.SessionClosed()
	c.logger.WithFields(map[string]interface{}{
		"close_code": int(code),
		"reason":     ex.reason,
	}).Infof("Session: connection closed (%s)", code)
	close(c.done)
}

func reasonOf(err error) string {
	var e *coreerrors.Error
	if coreerrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
