// Package connstate 共享存储中的会话登记
//
// 每个设备至多一条记录，记录里的 ConnectionID 标识当前持有者；
// 新连接通过 CAS 取代旧记录，旧连接之后的写入都会因期望值不符而失败。
package connstate

import (
	"context"
	"encoding/json"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/core/store"
)

const (
	DefaultSessionTTL   = 10 * time.Minute
	DefaultResumeWindow = 15 * time.Minute

	maxCASAttempts = 5
)

// Status 会话状态
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDraining     Status = "draining"
	StatusDisconnected Status = "disconnected"
)

// ConnectionSession 会话记录
type ConnectionSession struct {
	DeviceID       string     `json:"device_id"`
	CompanionID    string     `json:"companion_id"`
	SessionID      string     `json:"session_id"`
	ConnectionID   string     `json:"connection_id"`
	Status         Status     `json:"status"`
	OwnerInstance  string     `json:"owner_instance"`
	LastSeen       time.Time  `json:"last_seen"`
	TokenExpiry    time.Time  `json:"token_expiry"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Resumable 断开的会话在恢复窗口内
func (s *ConnectionSession) Resumable(now time.Time, window time.Duration) bool {
	if s.Status != StatusDisconnected || s.DisconnectedAt == nil {
		return true
	}
	return now.Sub(*s.DisconnectedAt) <= window
}

// ErrSuperseded 记录已被其他连接持有
var ErrSuperseded = coreerrors.New(coreerrors.CodeInvalidState, "session superseded by another connection")

// Config 登记配置
type Config struct {
	SessionTTL   time.Duration
	ResumeWindow time.Duration
	Now          func() time.Time
}

// Registry 会话登记
type Registry struct {
	store store.SharedStore
	cfg   Config
	now   func() time.Time
}

// NewRegistry 创建会话登记
func NewRegistry(s store.SharedStore, cfg Config) *Registry {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = DefaultResumeWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{store: s, cfg: cfg, now: now}
}

// ResumeWindow 恢复窗口
func (r *Registry) ResumeWindow() time.Duration {
	return r.cfg.ResumeWindow
}

// tombstoneTTL 断开记录保留两个窗口，窗口过后仍能识别为"已过期"而非"从未存在"
func (r *Registry) tombstoneTTL() time.Duration {
	return 2 * r.cfg.ResumeWindow
}

func (r *Registry) read(ctx context.Context, deviceID string) (*ConnectionSession, []byte, error) {
	raw, err := r.store.Get(ctx, store.SessionKey(deviceID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "read session failed")
	}
	var sess ConnectionSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode session failed")
	}
	return &sess, raw, nil
}

// Get 读取会话记录，不存在返回 NOT_FOUND
func (r *Registry) Get(ctx context.Context, deviceID string) (*ConnectionSession, error) {
	sess, _, err := r.read(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, coreerrors.Newf(coreerrors.CodeNotFound, "no session for device %s", deviceID)
	}
	return sess, nil
}

// Acquire 以 sess 取代当前记录，返回被取代的记录（可能为 nil）
func (r *Registry) Acquire(ctx context.Context, sess *ConnectionSession) (*ConnectionSession, error) {
	sess.LastSeen = r.now()
	sess.DisconnectedAt = nil
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode session failed")
	}
	key := store.SessionKey(sess.DeviceID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prev, raw, err := r.read(ctx, sess.DeviceID)
		if err != nil {
			return nil, err
		}
		ok, _, err := r.store.CheckAndSet(ctx, key, raw, data, r.cfg.SessionTTL)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "acquire session failed")
		}
		if ok {
			return prev, nil
		}
	}
	return nil, coreerrors.New(coreerrors.CodeConflict, "session contended, retry later")
}

// update 仅当记录仍属于 connectionID 时应用 mutate
func (r *Registry) update(ctx context.Context, deviceID, connectionID string, ttl time.Duration, mutate func(*ConnectionSession)) (*ConnectionSession, error) {
	key := store.SessionKey(deviceID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		sess, raw, err := r.read(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.ConnectionID != connectionID {
			return nil, ErrSuperseded
		}
		mutate(sess)
		data, err := json.Marshal(sess)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode session failed")
		}
		ok, _, err := r.store.CheckAndSet(ctx, key, raw, data, ttl)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "update session failed")
		}
		if ok {
			return sess, nil
		}
	}
	return nil, coreerrors.New(coreerrors.CodeConflict, "session contended, retry later")
}

// Touch 活动续期（滑动 TTL）
func (r *Registry) Touch(ctx context.Context, deviceID, connectionID string, tokenExpiry time.Time) error {
	_, err := r.update(ctx, deviceID, connectionID, r.cfg.SessionTTL, func(s *ConnectionSession) {
		s.LastSeen = r.now()
		if !tokenExpiry.IsZero() {
			s.TokenExpiry = tokenExpiry
		}
	})
	return err
}

// SetStatus 修改持有中的会话状态
func (r *Registry) SetStatus(ctx context.Context, deviceID, connectionID string, status Status) error {
	_, err := r.update(ctx, deviceID, connectionID, r.cfg.SessionTTL, func(s *ConnectionSession) {
		s.Status = status
		s.LastSeen = r.now()
	})
	return err
}

// MarkDisconnected 传输断开，记录保留到恢复窗口之后
func (r *Registry) MarkDisconnected(ctx context.Context, deviceID, connectionID string) error {
	_, err := r.update(ctx, deviceID, connectionID, r.tombstoneTTL(), func(s *ConnectionSession) {
		now := r.now()
		s.Status = StatusDisconnected
		s.DisconnectedAt = &now
	})
	return err
}

// Delete 删除记录；connectionID 非空时仅删除自己的记录
func (r *Registry) Delete(ctx context.Context, deviceID, connectionID string) error {
	if connectionID != "" {
		sess, _, err := r.read(ctx, deviceID)
		if err != nil {
			return err
		}
		if sess == nil || sess.ConnectionID != connectionID {
			return nil
		}
	}
	if err := r.store.Delete(ctx, store.SessionKey(deviceID)); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "delete session failed")
	}
	return nil
}
