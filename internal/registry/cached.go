package registry

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"companion-gateway/internal/security"
)

// DefaultCacheSize 缓存条目上限
const DefaultCacheSize = 10000

// CachedRepository 在仓库前加一层 LRU 读缓存，写操作直接回填或失效
type CachedRepository struct {
	inner Repository
	cache *lru.Cache[string, Device]
}

// NewCachedRepository 创建缓存仓库
func NewCachedRepository(inner Repository, size int) (*CachedRepository, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Device](size)
	if err != nil {
		return nil, err
	}
	return &CachedRepository{inner: inner, cache: cache}, nil
}

var _ Repository = (*CachedRepository)(nil)

func (r *CachedRepository) Get(ctx context.Context, deviceID string) (*Device, error) {
	id := security.NormalizeDeviceID(deviceID)
	if d, ok := r.cache.Get(id); ok {
		return &d, nil
	}
	d, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, *d)
	return d, nil
}

func (r *CachedRepository) Register(ctx context.Context, deviceID string) (*Device, error) {
	d, err := r.inner.Register(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	r.invalidate(d.ID)
	return d, nil
}

func (r *CachedRepository) Claim(ctx context.Context, deviceID, companionID string) (*Device, error) {
	d, err := r.inner.Claim(ctx, deviceID, companionID)
	if err != nil {
		return nil, err
	}
	r.invalidate(d.ID)
	return d, nil
}

func (r *CachedRepository) SetState(ctx context.Context, deviceID string, to State) error {
	err := r.inner.SetState(ctx, deviceID, to)
	r.invalidate(security.NormalizeDeviceID(deviceID))
	return err
}

// invalidate 缓存只按规范化标识存放
func (r *CachedRepository) invalidate(id string) {
	r.cache.Remove(id)
}

// Ping 透传给底层仓库；内存实现始终可用
func (r *CachedRepository) Ping(ctx context.Context) error {
	if p, ok := r.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
