// Package registry 设备身份登记
//
// 设备标识一律以规范化形式（小写、去空白）作为主键。
// 认领使用单条原子 upsert，不依赖先查后写。
package registry

import (
	"context"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
)

// State 设备生命周期
type State string

const (
	StatePending  State = "pending"
	StateClaimed  State = "claimed"
	StateActive   State = "active"
	StateInactive State = "inactive"
)

// Device 设备记录
type Device struct {
	ID          string     `json:"device_id"`
	CompanionID string     `json:"companion_id,omitempty"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// Repository 设备仓库
type Repository interface {
	// Get 查找设备，不存在返回 NOT_FOUND
	Get(ctx context.Context, deviceID string) (*Device, error)

	// Register 登记为 pending；已存在时原样返回
	Register(ctx context.Context, deviceID string) (*Device, error)

	// Claim 原子 upsert：不存在则创建，存在则绑定伴侣并置为 claimed
	Claim(ctx context.Context, deviceID, companionID string) (*Device, error)

	// SetState 状态迁移，非法迁移返回 INVALID_STATE
	SetState(ctx context.Context, deviceID string, to State) error
}

// predecessors 允许迁移到 to 的来源状态
func predecessors(to State) []State {
	switch to {
	case StateClaimed:
		return []State{StatePending, StateClaimed, StateActive, StateInactive}
	case StateActive:
		return []State{StateClaimed, StateActive, StateInactive}
	case StateInactive:
		return []State{StateActive, StateInactive}
	default:
		return nil
	}
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to State) bool {
	for _, s := range predecessors(to) {
		if s == from {
			return true
		}
	}
	return false
}

func notFound(deviceID string) error {
	return coreerrors.Newf(coreerrors.CodeNotFound, "device %s not registered", deviceID).
		WithDetail(coreerrors.DetailDeviceID, deviceID)
}

func invalidTransition(deviceID string, from, to State) error {
	return coreerrors.Newf(coreerrors.CodeInvalidState, "device %s cannot move from %s to %s", deviceID, from, to)
}
