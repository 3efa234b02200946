// Package session 可恢复的流式会话
//
// 每个连接由一个事件循环独占：入站帧、出站投递、心跳与控制事件都在同一个
// goroutine 中处理，连接状态不加锁地在循环内变更。跨实例共享的部分（会话登记、
// 重放缓冲、亲和绑定）全部在共享存储中，任意实例都能接续断开的会话。
package session

import (
	"context"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/protocol/message"
	"companion-gateway/internal/session/connstate"
)

// State 连接生命周期
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateResuming      State = "resuming"
	StateDraining      State = "draining"
	StateDisconnected  State = "disconnected"
	StateExpired       State = "expired"
)

var transitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateDisconnected},
	StateAuthenticated: {StateActive, StateResuming, StateExpired, StateDisconnected},
	StateResuming:      {StateActive, StateDraining, StateDisconnected},
	StateActive:        {StateDraining, StateDisconnected},
	StateDraining:      {StateDisconnected},
	StateDisconnected:  {StateResuming, StateExpired},
}

// CanTransition 状态迁移是否合法
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to State) error {
	return coreerrors.Newf(coreerrors.CodeInvalidState, "session cannot move from %s to %s", from, to)
}

// Transport 单条双向帧通道；WriteFrame 只会被连接的事件循环调用
type Transport interface {
	ReadFrame(ctx context.Context) (message.Frame, error)
	WriteFrame(ctx context.Context, f message.Frame) error
	Close(code message.CloseCode, reason string) error
	RemoteAddr() string
}

// SessionInfo 会话标识
type SessionInfo struct {
	DeviceID     string `json:"device_id"`
	CompanionID  string `json:"companion_id"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

// AudioSink 上行音频的下游处理方；返回 POLICY_VIOLATION 时连接保留并通知设备
type AudioSink interface {
	HandleAudio(ctx context.Context, info SessionInfo, payload []byte) error
}

// AudioSinkFunc 函数适配
type AudioSinkFunc func(ctx context.Context, info SessionInfo, payload []byte) error

func (f AudioSinkFunc) HandleAudio(ctx context.Context, info SessionInfo, payload []byte) error {
	return f(ctx, info, payload)
}

type discardSink struct{}

func (discardSink) HandleAudio(context.Context, SessionInfo, []byte) error { return nil }

// Lifecycle 共享记录对应的生命周期状态
func Lifecycle(rec *connstate.ConnectionSession, now time.Time, window time.Duration) State {
	switch rec.Status {
	case connstate.StatusConnected:
		return StateActive
	case connstate.StatusDraining:
		return StateDraining
	}
	if rec.Resumable(now, window) {
		return StateDisconnected
	}
	return StateExpired
}
