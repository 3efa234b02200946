package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"companion-gateway/internal/claim"
	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/pairing"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/security"
)

const (
	defaultNonceHexLen = 8
	inboxSize          = 64
)

// Config 设备客户端配置
type Config struct {
	DeviceID string
	// Secret 出厂写入的设备密钥，只用于计算认领证明，从不上传
	Secret      []byte
	NonceHexLen int

	Auth   Authenticator
	Dialer Dialer

	// Provisioned 已配网设备重启时直接带上保存的载荷
	Provisioned *pairing.Payload

	BackoffBase time.Duration
	BackoffMax  time.Duration
	Rand        func() float64
	Nonce       func() (string, error)

	// Handler 按序交付下行消息（welcome 除外），在状态机协程中调用，不能阻塞
	Handler func(msg message.ServerMessage, seq uint64)
	// OnStatus 状态指示变化
	OnStatus func(Status)

	Logger corelog.Logger
}

type state int

const (
	stateUnprovisioned state = iota
	stateClaiming
	stateRefreshing
	stateDialing
	stateAwaitingWelcome
	stateActive
	stateBackingOff
	stateNeedsRepairing
)

// action 退避结束后要执行的动作
type action int

const (
	actClaim action = iota
	actRefresh
	actDial
)

// 状态机事件；回调与读协程只投递事件，不直接修改状态
type (
	evProvisioned   struct{ payload pairing.Payload }
	evProvisionFail struct{ err error }
	evClaimed       struct {
		tokens  Tokens
		err     error
		refresh bool
	}
	evConnected struct {
		gen  uint64
		conn Conn
		err  error
	}
	evWelcome struct {
		gen     uint64
		welcome message.Welcome
	}
	evFrame struct {
		gen uint64
		msg message.ServerMessage
		seq uint64
	}
	evClosed struct {
		gen  uint64
		code message.CloseCode
	}
	evTimer struct{ gen uint64 }
	evSend  struct {
		msg    message.DeviceMessage
		result chan error
	}
	evStop struct{}
)

// ErrSuperseded 同一设备的新连接接管了会话，本客户端不再重连
var ErrSuperseded = coreerrors.New(coreerrors.CodeConflict, "session superseded by another connection")

// Client 设备端状态机
// 所有状态只由 Run 所在的协程修改；认领、拨号与读帧在各自的协程中进行，结果以事件形式回投
type Client struct {
	cfg    Config
	logger corelog.Logger

	inbox     chan interface{}
	done      chan struct{}
	startOnce sync.Once

	status  atomic.Int32
	lastSeq atomic.Uint64

	// 以下字段只在状态机协程中访问
	ctx        context.Context
	state      state
	payload    *pairing.Payload
	tokens     Tokens
	conn       Conn
	connGen    uint64
	timer      *time.Timer
	timerGen   uint64
	pending    action
	backoff    *Backoff
	sessionID  string
	resumeHint time.Duration
}

// NewClient 创建设备客户端
func NewClient(cfg Config) (*Client, error) {
	if cfg.DeviceID == "" || len(cfg.Secret) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "device id and secret are required")
	}
	if cfg.Auth == nil || cfg.Dialer == nil {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "authenticator and dialer are required")
	}
	if cfg.NonceHexLen <= 0 {
		cfg.NonceHexLen = defaultNonceHexLen
	}
	if cfg.Nonce == nil {
		width := cfg.NonceHexLen
		cfg.Nonce = func() (string, error) { return security.NewHexNonce(width) }
	}
	c := &Client{
		cfg:     cfg,
		logger:  corelog.OrDefault(cfg.Logger).WithField("device_id", cfg.DeviceID),
		inbox:   make(chan interface{}, inboxSize),
		done:    make(chan struct{}),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.Rand),
	}
	c.status.Store(int32(StatusUnprovisioned))
	return c, nil
}

// Status 当前状态指示
func (c *Client) Status() Status { return Status(c.status.Load()) }

// LastSeq 已交付的最大下行序号
func (c *Client) LastSeq() uint64 { return c.lastSeq.Load() }

// Provision 解密配网包；解密或校验失败时丢弃载荷，设备保持未配网
func (c *Client) Provision(key, packet []byte) (pairing.Payload, error) {
	p, err := pairing.DecodePayload(key, packet)
	if err != nil {
		c.post(evProvisionFail{err: err})
		return pairing.Payload{}, err
	}
	c.post(evProvisioned{payload: p})
	return p, nil
}

// Send 上行一条消息；只有会话活跃时可以发送
func (c *Client) Send(ctx context.Context, msg message.DeviceMessage) error {
	result := make(chan error, 1)
	if !c.post(evSend{msg: msg, result: result}) {
		return coreerrors.New(coreerrors.CodeInvalidState, "device client stopped")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return coreerrors.New(coreerrors.CodeInvalidState, "device client stopped")
	}
}

// Stop 正常关闭连接并结束 Run
func (c *Client) Stop() {
	c.post(evStop{})
}

// Done Run 结束后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// post 投递事件；Run 结束后丢弃
func (c *Client) post(ev interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Run 状态机主循环，阻塞到 Stop、ctx 结束或会话被接管
func (c *Client) Run(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Client) run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.teardown()

	if c.cfg.Provisioned != nil {
		p := *c.cfg.Provisioned
		c.payload = &p
		c.startClaim()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.inbox:
			if stop, err := c.handle(ev); stop {
				return err
			}
		}
	}
}

func (c *Client) handle(ev interface{}) (bool, error) {
	switch e := ev.(type) {
	case evProvisioned:
		c.onProvisioned(e)
	case evProvisionFail:
		c.onProvisionFail(e)
	case evClaimed:
		c.onClaimed(e)
	case evConnected:
		c.onConnected(e)
	case evWelcome:
		c.onWelcome(e)
	case evFrame:
		c.onFrame(e)
	case evClosed:
		return c.onClosed(e)
	case evTimer:
		c.onTimer(e)
	case evSend:
		e.result <- c.write(e.msg)
	case evStop:
		if c.conn != nil {
			_ = c.conn.Close(message.CloseNormal, "device stopping")
			c.conn = nil
		}
		return true, nil
	}
	return false, nil
}

func (c *Client) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	c.logger.Debugf("Device: status %s", s)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// ---------------------------------------------------------------------------
// 配网与认领
// ---------------------------------------------------------------------------

func (c *Client) onProvisioned(e evProvisioned) {
	c.dropConn()
	c.cancelTimer()
	p := e.payload
	c.payload = &p
	c.sessionID = ""
	c.backoff.Reset()
	c.logger.Infof("Device: provisioned for companion %s on network %q", p.CompanionID, p.NetworkCredentials.SSID)
	c.startClaim()
}

func (c *Client) onProvisionFail(e evProvisionFail) {
	c.logger.WithError(e.err).Warn("Device: pairing payload rejected")
	// 已有会话不受影响；否则回到未配网
	switch c.state {
	case stateUnprovisioned, stateNeedsRepairing:
		c.state = stateUnprovisioned
		c.payload = nil
		c.setStatus(StatusUnprovisioned)
	}
}

func (c *Client) startClaim() {
	if c.payload == nil {
		c.state = stateUnprovisioned
		c.setStatus(StatusUnprovisioned)
		return
	}
	nonce, err := c.cfg.Nonce()
	if err != nil {
		c.logger.WithError(err).Error("Device: nonce generation failed")
		c.schedule(actClaim, c.backoff.Next())
		return
	}
	req := claim.Request{
		DeviceID:    c.cfg.DeviceID,
		CompanionID: c.payload.CompanionID,
		Nonce:       nonce,
		HMACHex:     security.ProofHex(c.cfg.Secret, c.cfg.DeviceID, c.payload.CompanionID, nonce),
	}
	c.state = stateClaiming
	c.setStatus(StatusConnecting)

	ctx, auth := c.ctx, c.cfg.Auth
	go func() {
		tokens, err := auth.Claim(ctx, req)
		c.post(evClaimed{tokens: tokens, err: err})
	}()
}

func (c *Client) startRefresh() {
	if c.tokens.RefreshToken == "" {
		c.startClaim()
		return
	}
	nonce, err := c.cfg.Nonce()
	if err != nil {
		c.startClaim()
		return
	}
	c.state = stateRefreshing
	c.setStatus(StatusConnecting)

	ctx, auth, refreshToken := c.ctx, c.cfg.Auth, c.tokens.RefreshToken
	go func() {
		tokens, err := auth.Refresh(ctx, c.cfg.DeviceID, refreshToken, nonce)
		c.post(evClaimed{tokens: tokens, err: err, refresh: true})
	}()
}

func (c *Client) onClaimed(e evClaimed) {
	if c.state != stateClaiming && c.state != stateRefreshing {
		return
	}
	if e.err == nil {
		c.tokens = e.tokens
		c.dial()
		return
	}

	log := c.logger.WithError(e.err)
	code := coreerrors.GetCode(e.err)
	switch {
	case code == coreerrors.CodeRateLimited:
		log.Warn("Device: rate limited")
		c.scheduleAfter(c.pendingFor(e), e.err)
	case e.refresh && isCredentialError(code):
		log.Info("Device: refresh rejected, claiming again")
		c.tokens = Tokens{}
		c.startClaim()
	case !e.refresh && isIdentityError(code):
		log.Error("Device: claim rejected, device needs re-pairing")
		c.state = stateNeedsRepairing
		c.tokens = Tokens{}
		c.setStatus(StatusNeedsRepairing)
	default:
		log.Warn("Device: auth request failed")
		c.scheduleAfter(c.pendingFor(e), e.err)
	}
}

func (c *Client) pendingFor(e evClaimed) action {
	if e.refresh {
		return actRefresh
	}
	return actClaim
}

// isIdentityError 认领被拒：证明错误、设备未注册或 nonce 冲突，重试无意义
func isIdentityError(code coreerrors.ErrorCode) bool {
	switch code {
	case coreerrors.CodeAuthFailed, coreerrors.CodeNotFound, coreerrors.CodeReplayConflict:
		return true
	}
	return false
}

func isCredentialError(code coreerrors.ErrorCode) bool {
	switch code {
	case coreerrors.CodeInvalidToken, coreerrors.CodeTokenExpired, coreerrors.CodeAuthFailed,
		coreerrors.CodeReplayConflict, coreerrors.CodeInvalidRequest:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// 连接
// ---------------------------------------------------------------------------

func (c *Client) dial() {
	c.connGen++
	c.state = stateDialing
	c.setStatus(StatusConnecting)

	gen, ctx, dialer := c.connGen, c.ctx, c.cfg.Dialer
	target := Target{
		DeviceID:    c.cfg.DeviceID,
		CompanionID: c.payload.CompanionID,
		AccessToken: c.tokens.AccessToken,
	}
	go func() {
		conn, err := dialer.Dial(ctx, target)
		if !c.post(evConnected{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close(message.CloseNormal, "device stopping")
		}
	}()
}

func (c *Client) onConnected(e evConnected) {
	if e.gen != c.connGen || c.state != stateDialing {
		if e.conn != nil {
			_ = e.conn.Close(message.CloseNormal, "stale connection")
		}
		return
	}
	if e.err != nil {
		c.logger.WithError(e.err).Warn("Device: stream dial failed")
		c.scheduleAfter(actDial, e.err)
		return
	}
	c.conn = e.conn
	c.state = stateAwaitingWelcome
	go c.readLoop(e.gen, e.conn)
}

// readLoop 读协程：解码下行帧并投递；畸形帧跳过，连接结束时投递关闭码
func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			c.post(evClosed{gen: gen, code: closeCodeOf(err)})
			return
		}
		msg, seq, err := message.DecodeServer(f)
		if err != nil {
			c.logger.WithError(err).Debug("Device: dropping undecodable frame")
			continue
		}
		var ev interface{} = evFrame{gen: gen, msg: msg, seq: seq}
		if w, ok := msg.(message.Welcome); ok {
			ev = evWelcome{gen: gen, welcome: w}
		}
		if !c.post(ev) {
			return
		}
	}
}

func (c *Client) onWelcome(e evWelcome) {
	if e.gen != c.connGen || c.conn == nil {
		return
	}
	w := e.welcome
	// 新会话的序号从头开始；恢复的会话保留已交付的最大序号，重放中的重复帧据此丢弃
	if !w.Resumed || w.SessionID != c.sessionID {
		c.setLastSeq(w.LastAckedSeq)
	} else if w.LastAckedSeq > c.lastSeq.Load() {
		c.setLastSeq(w.LastAckedSeq)
	}
	c.sessionID = w.SessionID
	c.state = stateActive
	c.resumeHint = 0
	c.backoff.Reset()
	c.setStatus(StatusActive)
	c.logger.Infof("Device: session %s active (resumed=%v, replay=%d)", w.SessionID, w.Resumed, w.ReplayCount)
}

func (c *Client) onFrame(e evFrame) {
	if e.gen != c.connGen || c.conn == nil {
		return
	}
	switch m := e.msg.(type) {
	case message.Drain:
		c.resumeHint = time.Duration(m.ReconnectAfterMs) * time.Millisecond
		c.logger.Infof("Device: instance draining (%s), reconnect after %s", m.Reason, c.resumeHint)
	case message.RefreshResponse:
		if m.Error == "" && m.AccessToken != "" {
			c.tokens = Tokens{
				AccessToken:  m.AccessToken,
				RefreshToken: m.RefreshToken,
				ExpiresIn:    time.Duration(m.ExpiresIn) * time.Second,
			}
		}
	case message.RateLimit:
		c.logger.Warnf("Device: %s rate limited, retry after %dms", m.Scope, m.RetryAfterMs)
	}

	if e.seq > 0 {
		last := c.lastSeq.Load()
		if e.seq <= last {
			c.ack(last)
			return
		}
		c.setLastSeq(e.seq)
	}
	if c.cfg.Handler != nil {
		c.cfg.Handler(e.msg, e.seq)
	}
	if e.seq > 0 {
		c.ack(e.seq)
	}
}

// ack 累计确认
func (c *Client) ack(seq uint64) {
	if err := c.write(message.Ack{Seq: seq}); err != nil {
		c.logger.WithError(err).Debug("Device: ack failed")
	}
}

func (c *Client) write(msg message.DeviceMessage) error {
	if c.conn == nil || c.state != stateActive {
		return coreerrors.New(coreerrors.CodeInvalidState, "session is not active")
	}
	f, err := message.EncodeDevice(msg)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeInternal, "encode device message")
	}
	return c.conn.WriteFrame(f)
}

// onClosed 按关闭码决定下一步
func (c *Client) onClosed(e evClosed) (bool, error) {
	if e.gen != c.connGen || c.conn == nil {
		return false, nil
	}
	c.dropConn()

	act := e.code.Action()
	c.logger.Infof("Device: stream closed %d (%s), action %s", int(e.code), e.code, act)
	switch act {
	case message.ActionStop:
		c.state = stateBackingOff
		return true, ErrSuperseded
	case message.ActionReclaim:
		c.tokens = Tokens{}
		c.schedule(actClaim, c.backoff.Next())
	case message.ActionRefresh:
		c.schedule(actRefresh, c.backoff.Next())
	case message.ActionResume:
		delay := c.resumeHint
		if delay <= 0 {
			delay = c.backoff.Next()
		}
		c.schedule(actDial, delay)
	default:
		c.schedule(actDial, c.backoff.Next())
	}
	return false, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close(message.CloseNormal, "")
		c.conn = nil
	}
	c.connGen++
}

// ---------------------------------------------------------------------------
// 退避
// ---------------------------------------------------------------------------

// scheduleAfter 退避时长不短于服务端给出的 retry-after
func (c *Client) scheduleAfter(next action, err error) {
	delay := c.backoff.Next()
	if hint, ok := coreerrors.RetryAfter(err); ok && hint > delay {
		delay = hint
	}
	c.schedule(next, delay)
}

func (c *Client) schedule(next action, delay time.Duration) {
	c.cancelTimer()
	c.state = stateBackingOff
	c.pending = next
	c.setStatus(StatusBackingOff)

	gen := c.timerGen
	c.timer = time.AfterFunc(delay, func() { c.post(evTimer{gen: gen}) })
}

func (c *Client) cancelTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) onTimer(e evTimer) {
	if e.gen != c.timerGen || c.state != stateBackingOff {
		return
	}
	c.timer = nil
	switch c.pending {
	case actClaim:
		c.startClaim()
	case actRefresh:
		c.startRefresh()
	default:
		if c.tokens.AccessToken == "" {
			c.startClaim()
			return
		}
		c.dial()
	}
}

func (c *Client) setLastSeq(seq uint64) { c.lastSeq.Store(seq) }

func (c *Client) teardown() {
	c.cancelTimer()
	if c.conn != nil {
		_ = c.conn.Close(message.CloseNormal, "device stopping")
		c.conn = nil
	}
}
