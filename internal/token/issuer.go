// Package token 签发与校验设备会话令牌
//
// 访问令牌与刷新令牌均为 HS256 JWT，通过 aud 与 typ 区分用途；
// 刷新令牌单次使用，使用记录写入共享存储。
package token

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/core/store"
	"companion-gateway/internal/security"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	AudienceAccess  = "companion-device"
	AudienceRefresh = "companion-refresh"

	DefaultIssuer      = "companion-gateway"
	DefaultAccessTTL   = 10 * time.Minute
	DefaultRefreshTTL  = 24 * time.Hour
	DefaultNonceHexLen = 8
)

// Claims 令牌声明
type Claims struct {
	DeviceID    string `json:"did"`
	CompanionID string `json:"cid"`
	Type        string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair 访问令牌 + 刷新令牌
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Config 签发配置
type Config struct {
	SigningSecret []byte
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	NonceHexLen   int
	Now           func() time.Time
	Metrics       *metrics.Metrics
	Logger        corelog.Logger
}

// Issuer 令牌签发与校验
type Issuer struct {
	store  store.SharedStore
	secret []byte
	cfg    Config
	now    func() time.Time
	logger corelog.Logger
}

// usedRefresh 刷新令牌使用记录，同一 nonce 的重试返回同一对令牌
type usedRefresh struct {
	Nonce string `json:"nonce"`
	Pair  *Pair  `json:"pair"`
}

// NewIssuer 创建签发器；store 用于刷新令牌的单次使用记录
func NewIssuer(s store.SharedStore, cfg Config) (*Issuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "token signing secret must not be empty")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.NonceHexLen <= 0 {
		cfg.NonceHexLen = DefaultNonceHexLen
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		store:  s,
		secret: append([]byte(nil), cfg.SigningSecret...),
		cfg:    cfg,
		now:    now,
		logger: corelog.OrDefault(cfg.Logger),
	}, nil
}

// AccessTTL 访问令牌有效期
func (i *Issuer) AccessTTL() time.Duration {
	return i.cfg.AccessTTL
}

// Issue 为 (device, companion) 签发新的令牌对，deviceID 应已规范化
func (i *Issuer) Issue(deviceID, companionID string) (*Pair, error) {
	now := i.now()
	access, accessExp, err := i.sign(deviceID, companionID, TypeAccess, AudienceAccess, now, i.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := i.sign(deviceID, companionID, TypeRefresh, AudienceRefresh, now, i.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (i *Issuer) sign(deviceID, companionID, typ, aud string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := &Claims{
		DeviceID:    deviceID,
		CompanionID: companionID,
		Type:        typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject(deviceID, companionID),
			Audience:  jwt.ClaimStrings{aud},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "sign token failed")
	}
	return signed, claims.ExpiresAt.Time, nil
}

func subject(deviceID, companionID string) string {
	return deviceID + ":" + companionID
}

// VerifyAccess 校验访问令牌，并要求断言的设备标识与令牌一致
func (i *Issuer) VerifyAccess(tokenString, assertedDeviceID string) (*Claims, error) {
	return i.verify(tokenString, TypeAccess, AudienceAccess, assertedDeviceID)
}

func (i *Issuer) verify(tokenString, typ, aud, assertedDeviceID string) (*Claims, error) {
	if tokenString == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidToken, "token is missing")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithAudience(aud),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, coreerrors.Wrap(err, coreerrors.CodeTokenExpired, "token expired")
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidToken, "token is invalid")
	}

	if claims.Type != typ {
		return nil, coreerrors.Newf(coreerrors.CodeInvalidToken, "expected %s token, got %q", typ, claims.Type)
	}
	if claims.DeviceID == "" || claims.Subject != subject(claims.DeviceID, claims.CompanionID) {
		return nil, coreerrors.New(coreerrors.CodeInvalidToken, "token subject does not match its identity claims")
	}
	if security.NormalizeDeviceID(assertedDeviceID) != claims.DeviceID {
		return nil, coreerrors.New(coreerrors.CodeAuthFailed, "token was issued to a different device").
			WithDetail(coreerrors.DetailDeviceID, security.NormalizeDeviceID(assertedDeviceID))
	}
	return claims, nil
}

// Refresh 以刷新令牌换取新的令牌对，不重新走认领流程
// 刷新令牌只能使用一次；相同 nonce 的重试返回首次签发的结果，
// 不同 nonce 重用视为重放冲突
func (i *Issuer) Refresh(ctx context.Context, refreshToken, assertedDeviceID, nonce string) (*Pair, error) {
	if !security.ValidHexNonce(nonce, i.cfg.NonceHexLen) {
		i.cfg.Metrics.TokenRefresh("rejected")
		return nil, coreerrors.Newf(coreerrors.CodeInvalidRequest, "nonce must be %d hex characters", i.cfg.NonceHexLen)
	}

	claims, err := i.verify(refreshToken, TypeRefresh, AudienceRefresh, assertedDeviceID)
	if err != nil {
		i.cfg.Metrics.TokenRefresh("rejected")
		return nil, err
	}

	ttl := claims.ExpiresAt.Sub(i.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	pair, err := i.Issue(claims.DeviceID, claims.CompanionID)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(usedRefresh{Nonce: nonce, Pair: pair})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode refresh record failed")
	}

	key := store.RefreshUsedKey(claims.ID)
	var current []byte
	for attempt := 0; attempt < 2; attempt++ {
		var ok bool
		ok, current, err = i.store.CheckAndSet(ctx, key, nil, record, ttl)
		if err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CodeStoreUnavailable, "refresh record failed")
		}
		if ok {
			i.cfg.Metrics.TokenRefresh("issued")
			return pair, nil
		}
		if current != nil {
			break
		}
	}

	var prev usedRefresh
	if err := json.Unmarshal(current, &prev); err != nil || prev.Pair == nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "refresh record is corrupt")
	}
	if subtle.ConstantTimeCompare([]byte(prev.Nonce), []byte(nonce)) == 1 {
		i.cfg.Metrics.TokenRefresh("retry")
		return prev.Pair, nil
	}

	i.cfg.Metrics.TokenRefresh("conflict")
	i.logger.WithFields(map[string]interface{}{
		"event":     "replay_conflict",
		"device_id": claims.DeviceID,
		"jti":       claims.ID,
	}).Warn("Token: refresh token reused with a different nonce")
	return nil, coreerrors.New(coreerrors.CodeReplayConflict, "refresh token already used").
		WithDetail(coreerrors.DetailDeviceID, claims.DeviceID)
}
