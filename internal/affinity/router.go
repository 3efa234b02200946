// Package affinity 设备到实例的粘性路由
//
// 绑定只是路由提示：会话状态全部在共享存储中，任何实例都能接管任何设备，
// 绑定丢失或过期只影响路由命中率，不影响正确性。
package affinity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/security"
)

const (
	DefaultBindingTTL     = time.Hour
	DefaultLookupCacheTTL = 5 * time.Second
	DefaultAnnounceTTL    = 30 * time.Second
)

// Binding 设备当前归属的实例
type Binding struct {
	DeviceID   string    `json:"device_id"`
	InstanceID string    `json:"instance_id"`
	Addr       string    `json:"addr,omitempty"`
	BoundAt    time.Time `json:"bound_at"`
}

// Instance 实例登记信息
type Instance struct {
	ID          string    `json:"instance_id"`
	Addr        string    `json:"addr"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// Config 路由配置
type Config struct {
	InstanceID     string
	AdvertiseAddr  string
	BindingTTL     time.Duration
	LookupCacheTTL time.Duration
	Now            func() time.Time
	Logger         corelog.Logger
}

// Router 读写共享存储中的绑定，查询结果在本地短暂缓存
type Router struct {
	store  store.SharedStore
	cfg    Config
	now    func() time.Time
	cache  *ttlcache.Cache[string, Binding]
	logger corelog.Logger
}

// NewRouter 创建路由器，调用方负责 Close
func NewRouter(s store.SharedStore, cfg Config) *Router {
	if cfg.BindingTTL <= 0 {
		cfg.BindingTTL = DefaultBindingTTL
	}
	if cfg.LookupCacheTTL <= 0 {
		cfg.LookupCacheTTL = DefaultLookupCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Binding](cfg.LookupCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, Binding](),
	)
	go cache.Start()

	return &Router{
		store:  s,
		cfg:    cfg,
		now:    now,
		cache:  cache,
		logger: corelog.OrDefault(cfg.Logger),
	}
}

// InstanceID 本实例标识
func (r *Router) InstanceID() string {
	return r.cfg.InstanceID
}

// Bind 将设备绑定到实例；instanceID 为空表示本实例
func (r *Router) Bind(ctx context.Context, deviceID, instanceID string) (*Binding, error) {
	deviceID = security.NormalizeDeviceID(deviceID)
	if instanceID == "" {
		instanceID = r.cfg.InstanceID
	}
	b := Binding{DeviceID: deviceID, InstanceID: instanceID, BoundAt: r.now()}
	if instanceID == r.cfg.InstanceID {
		b.Addr = r.cfg.AdvertiseAddr
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode affinity binding failed")
	}
	if err := r.store.Set(ctx, store.AffinityKey(deviceID), data, r.cfg.BindingTTL); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "bind affinity failed")
	}
	r.cache.Set(deviceID, b, ttlcache.DefaultTTL)
	return &b, nil
}

// Touch 续期绑定；绑定已过期时重新绑定到 instanceID
func (r *Router) Touch(ctx context.Context, deviceID, instanceID string) error {
	deviceID = security.NormalizeDeviceID(deviceID)
	err := r.store.Expire(ctx, store.AffinityKey(deviceID), r.cfg.BindingTTL)
	if err == nil {
		return nil
	}
	if store.IsNotFound(err) {
		_, err = r.Bind(ctx, deviceID, instanceID)
		return err
	}
	return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "touch affinity failed")
}

// Lookup 查询设备绑定，未绑定返回 NOT_FOUND
func (r *Router) Lookup(ctx context.Context, deviceID string) (*Binding, error) {
	deviceID = security.NormalizeDeviceID(deviceID)
	if item := r.cache.Get(deviceID); item != nil {
		b := item.Value()
		return &b, nil
	}

	b, err := r.load(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if b.Addr == "" {
		if inst, err := r.Instance(ctx, b.InstanceID); err == nil {
			b.Addr = inst.Addr
		}
	}
	r.cache.Set(deviceID, *b, ttlcache.DefaultTTL)
	return b, nil
}

func (r *Router) load(ctx context.Context, deviceID string) (*Binding, error) {
	data, err := r.store.Get(ctx, store.AffinityKey(deviceID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, coreerrors.Newf(coreerrors.CodeNotFound, "no affinity for device %s", deviceID).
				WithDetail(coreerrors.DetailDeviceID, deviceID)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "lookup affinity failed")
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode affinity binding failed")
	}
	return &b, nil
}

// Release 绑定仍指向 instanceID 时删除，尽力而为
// 读与删之间的竞争只会删掉一个刚写入的提示，下次连接会重新绑定
func (r *Router) Release(ctx context.Context, deviceID, instanceID string) error {
	deviceID = security.NormalizeDeviceID(deviceID)
	r.cache.Delete(deviceID)

	b, err := r.load(ctx, deviceID)
	if err != nil {
		if coreerrors.IsCode(err, coreerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if b.InstanceID != instanceID {
		return nil
	}
	if err := r.store.Delete(ctx, store.AffinityKey(deviceID)); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "release affinity failed")
	}
	return nil
}

// Announce 登记本实例地址，服务运行期间周期性调用
func (r *Router) Announce(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAnnounceTTL
	}
	data, err := json.Marshal(Instance{ID: r.cfg.InstanceID, Addr: r.cfg.AdvertiseAddr, AnnouncedAt: r.now()})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeInternal, "encode instance failed")
	}
	if err := r.store.Set(ctx, store.InstanceKey(r.cfg.InstanceID), data, ttl); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "announce instance failed")
	}
	return nil
}

// Withdraw 撤销实例登记
func (r *Router) Withdraw(ctx context.Context) error {
	if err := r.store.Delete(ctx, store.InstanceKey(r.cfg.InstanceID)); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "withdraw instance failed")
	}
	return nil
}

// Instance 查询实例登记
func (r *Router) Instance(ctx context.Context, instanceID string) (*Instance, error) {
	data, err := r.store.Get(ctx, store.InstanceKey(instanceID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, coreerrors.Newf(coreerrors.CodeNotFound, "instance %s not announced", instanceID)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "lookup instance failed")
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode instance failed")
	}
	return &inst, nil
}

// RunAnnouncer 周期性登记实例，直到 ctx 结束；退出时撤销登记
func (r *Router) RunAnnouncer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAnnounceTTL / 3
	}
	if err := r.Announce(ctx, 3*interval); err != nil {
		r.logger.WithError(err).Warn("Affinity: initial announce failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			withdrawCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := r.Withdraw(withdrawCtx); err != nil {
				r.logger.WithError(err).Debug("Affinity: withdraw failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Announce(ctx, 3*interval); err != nil {
				r.logger.WithError(err).Warn("Affinity: announce failed")
			}
		}
	}
}

// Close 停止本地缓存清理
func (r *Router) Close() {
	r.cache.Stop()
}
