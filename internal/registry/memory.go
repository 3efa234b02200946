package registry

import (
	"context"
	"sync"
	"time"

	"companion-gateway/internal/security"
)

// MemoryRepository 进程内仓库，单机开发与测试用
type MemoryRepository struct {
	mu      sync.Mutex
	devices map[string]Device
	now     func() time.Time
}

// NewMemoryRepository 创建内存仓库
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{devices: make(map[string]Device), now: now}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Get(ctx context.Context, deviceID string) (*Device, error) {
	id := security.NormalizeDeviceID(deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, notFound(id)
	}
	return &d, nil
}

func (r *MemoryRepository) Register(ctx context.Context, deviceID string) (*Device, error) {
	id := security.NormalizeDeviceID(deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return &d, nil
	}
	now := r.now()
	d := Device{ID: id, State: StatePending, CreatedAt: now, UpdatedAt: now}
	r.devices[id] = d
	return &d, nil
}

func (r *MemoryRepository) Claim(ctx context.Context, deviceID, companionID string) (*Device, error) {
	id := security.NormalizeDeviceID(deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	d, ok := r.devices[id]
	if !ok {
		d = Device{ID: id, CreatedAt: now}
	}
	d.CompanionID = companionID
	d.State = StateClaimed
	d.UpdatedAt = now
	d.ClaimedAt = &now
	r.devices[id] = d
	return &d, nil
}

func (r *MemoryRepository) SetState(ctx context.Context, deviceID string, to State) error {
	id := security.NormalizeDeviceID(deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return notFound(id)
	}
	if !CanTransition(d.State, to) {
		return invalidTransition(id, d.State, to)
	}
	now := r.now()
	d.State = to
	d.UpdatedAt = now
	if to == StateActive {
		d.LastSeenAt = &now
	}
	r.devices[id] = d
	return nil
}

// Len 设备数量
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
