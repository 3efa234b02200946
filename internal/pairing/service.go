package pairing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
)

// Material 一次性配对材料
type Material struct {
	Code        string    `json:"code"`
	Key         []byte    `json:"key"`
	CompanionID string    `json:"companion_id"`
	DeviceID    string    `json:"device_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Sealed 已加密、待经近场通道写入设备的载荷
type Sealed struct {
	Packet      []byte `json:"packet"`
	DeviceID    string `json:"device_id"`
	CompanionID string `json:"companion_id"`
}

// ServiceConfig 配对服务配置
type ServiceConfig struct {
	TTL        time.Duration
	CodeLength int
	// Devices 非空时签发配对码即把设备登记为 pending，认领据此放行
	Devices    Registrar
	Now        func() time.Time
	Logger     corelog.Logger
}

// Limiter 配对尝试限流
type Limiter interface {
	Allow(ctx context.Context, scope security.Scope, key string) error
}

// Registrar 设备登记
type Registrar interface {
	Register(ctx context.Context, deviceID string) (*registry.Device, error)
}

// Service 签发与消费配对材料
type Service struct {
	store   store.SharedStore
	limiter Limiter
	cfg     ServiceConfig
	now     func() time.Time
	logger  corelog.Logger
}

// NewService 创建配对服务
func NewService(s store.SharedStore, limiter Limiter, cfg ServiceConfig) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{store: s, limiter: limiter, cfg: cfg, now: now, logger: corelog.OrDefault(cfg.Logger)}
}

// Issue 为 (companion, device) 生成配对码与一次性密钥
func (s *Service) Issue(ctx context.Context, companionID, deviceID string) (*Material, error) {
	companionID = strings.TrimSpace(companionID)
	deviceID = security.NormalizeDeviceID(deviceID)
	if companionID == "" || deviceID == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidRequest, "companion_id and device_id are required")
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, security.ScopePairing, deviceID); err != nil {
			return nil, err
		}
	}

	if s.cfg.Devices != nil {
		if _, err := s.cfg.Devices.Register(ctx, deviceID); err != nil {
			return nil, err
		}
	}

	key, err := NewKey()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to generate pairing key")
	}

	now := s.now()
	m := &Material{
		Key:         key,
		CompanionID: companionID,
		DeviceID:    deviceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}

	// 配对码冲突时重试，写入本身是原子的
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := GenerateCode(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		m.Code = code
		data, err := json.Marshal(m)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode pairing material")
		}
		ok, _, err := s.store.CheckAndSet(ctx, store.PairingKey(code), nil, data, s.cfg.TTL)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "store pairing material")
		}
		if ok {
			s.logger.Infof("Pairing: issued code for device %s companion %s", deviceID, companionID)
			return m, nil
		}
	}
	return nil, coreerrors.New(coreerrors.CodeInternal, "could not allocate a unique pairing code")
}

// Seal 消费配对材料并加密配网载荷，每个配对码只能成功一次
func (s *Service) Seal(ctx context.Context, code string, creds NetworkCredentials) (*Sealed, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || strings.TrimSpace(creds.SSID) == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidRequest, "pairing code and ssid are required")
	}

	raw, err := s.store.Get(ctx, store.PairingKey(code))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, coreerrors.New(coreerrors.CodeNotFound, "pairing code unknown or expired")
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "load pairing material")
	}
	var m Material
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode pairing material")
	}

	ok, _, err := s.store.CheckAndSet(ctx, store.PairingConsumedKey(code), nil, []byte("1"), s.cfg.TTL)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "consume pairing material")
	}
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeNotFound, "pairing code already used")
	}
	if err := s.store.Delete(ctx, store.PairingKey(code)); err != nil {
		s.logger.WithError(err).Warn("Pairing: failed to delete consumed material")
	}

	packet, err := EncodePayload(m.Key, Payload{
		NetworkCredentials: creds,
		CompanionID:        m.CompanionID,
		PairingCode:        m.Code,
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeEncryptionError, "seal pairing payload")
	}
	return &Sealed{Packet: packet, DeviceID: m.DeviceID, CompanionID: m.CompanionID}, nil
}
