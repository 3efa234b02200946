// Package claim 设备认领：设备以 HMAC 证明持有出厂密钥，换取会话令牌
//
// 处理顺序固定：限流 -> 规范化 -> 幂等查找 -> 防重放 -> 证明校验 ->
// 设备登记 -> 签发 -> 幂等写入。同一指纹的请求在窗口内返回逐字节相同的响应。
package claim

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/core/metrics"
	"companion-gateway/internal/registry"
	"companion-gateway/internal/security"
	"companion-gateway/internal/token"
)

const (
	// ProofHexLen HMAC-SHA256 十六进制长度
	ProofHexLen = 64

	TokenTypeBearer = "Bearer"

	// flightTimeout 合并执行的认领不跟随任一调用方取消，只受此上限约束
	flightTimeout = 15 * time.Second
)

// Request 认领请求
type Request struct {
	DeviceID    string `json:"device_id"`
	CompanionID string `json:"companion_id"`
	Nonce       string `json:"nonce"`
	HMACHex     string `json:"hmac_hex"`
}

// Response 认领成功响应
type Response struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Limiter 认领限流
type Limiter interface {
	Allow(ctx context.Context, scope security.Scope, key string) error
}

// Minter 令牌签发
type Minter interface {
	Issue(deviceID, companionID string) (*token.Pair, error)
	AccessTTL() time.Duration
}

// Deps 认领依赖
type Deps struct {
	Limiter     Limiter
	Idempotency *security.IdempotencyCache
	Replay      *security.ReplayGuard
	Deriver     *security.SecretDeriver
	Registry    registry.Repository
	Tokens      Minter
}

// Config 认领配置
type Config struct {
	NonceHexLen  int
	AutoRegister bool
	Metrics      *metrics.Metrics
	Logger       corelog.Logger
}

// Authenticator 认领处理器
type Authenticator struct {
	deps    Deps
	cfg     Config
	flight  singleflight.Group
	metrics *metrics.Metrics
	logger  corelog.Logger
}

// NewAuthenticator 创建认领处理器
func NewAuthenticator(deps Deps, cfg Config) *Authenticator {
	if cfg.NonceHexLen <= 0 {
		cfg.NonceHexLen = token.DefaultNonceHexLen
	}
	return &Authenticator{
		deps:    deps,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  corelog.OrDefault(cfg.Logger),
	}
}

// validate 字段完整性与格式；hmac_hex 统一为小写，nonce 保持原样参与证明
func (a *Authenticator) validate(req *Request) error {
	if strings.TrimSpace(req.DeviceID) == "" || req.CompanionID == "" || req.Nonce == "" || req.HMACHex == "" {
		return coreerrors.New(coreerrors.CodeInvalidRequest, "device_id, companion_id, nonce and hmac_hex are required")
	}
	if !security.ValidHexNonce(req.Nonce, a.cfg.NonceHexLen) {
		return coreerrors.Newf(coreerrors.CodeInvalidRequest, "nonce must be %d hex characters", a.cfg.NonceHexLen)
	}
	if len(req.HMACHex) != ProofHexLen {
		return coreerrors.Newf(coreerrors.CodeInvalidRequest, "hmac_hex must be %d hex characters", ProofHexLen)
	}
	if _, err := hex.DecodeString(req.HMACHex); err != nil {
		return coreerrors.New(coreerrors.CodeInvalidRequest, "hmac_hex is not hex")
	}
	req.HMACHex = strings.ToLower(req.HMACHex)
	return nil
}

// Claim 处理一次认领，成功时返回序列化后的响应体
func (a *Authenticator) Claim(ctx context.Context, req Request) ([]byte, error) {
	if err := a.validate(&req); err != nil {
		a.metrics.Claim("invalid")
		return nil, err
	}

	deviceID := security.NormalizeDeviceID(req.DeviceID)
	if err := a.deps.Limiter.Allow(ctx, security.ScopeClaim, deviceID); err != nil {
		a.metrics.Claim("rate_limited")
		return nil, err
	}

	fp := security.Fingerprint(req.DeviceID, req.CompanionID, req.Nonce, req.HMACHex)
	ch := a.flight.DoChan(fp, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightTimeout)
		defer cancel()
		return a.claim(fctx, req, deviceID, fp)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		// 已开始的认领继续完成并写入幂等缓存，客户端重试可拿到同一响应
		return nil, ctx.Err()
	}
}

func (a *Authenticator) claim(ctx context.Context, req Request, deviceID, fp string) ([]byte, error) {
	log := a.logger.WithFields(map[string]interface{}{
		"device_id":    deviceID,
		"companion_id": req.CompanionID,
	})

	cached, hit, err := a.deps.Idempotency.Lookup(ctx, fp)
	if err != nil {
		a.metrics.Claim("error")
		return nil, err
	}
	if hit {
		a.metrics.Claim("cached")
		log.Debug("Claim: returning cached response")
		return cached, nil
	}

	verdict, err := a.deps.Replay.Check(ctx, deviceID, req.Nonce, req.HMACHex)
	if err != nil {
		if coreerrors.IsCode(err, coreerrors.CodeReplayConflict) {
			a.metrics.Claim("replay_conflict")
			a.metrics.ReplayConflict()
		} else {
			a.metrics.Claim("error")
		}
		return nil, err
	}
	if verdict == security.NonceRetry {
		log.Debug("Claim: nonce retry with identical proof")
	}

	secret, err := a.deps.Deriver.Derive(deviceID)
	if err != nil {
		a.metrics.Claim("error")
		return nil, err
	}
	if !security.VerifyProof(secret, req.DeviceID, req.CompanionID, req.Nonce, req.HMACHex) {
		a.metrics.Claim("auth_failed")
		log.WithField("event", "claim_auth_failed").Warn("Claim: proof does not match device secret")
		return nil, coreerrors.New(coreerrors.CodeAuthFailed, "claim proof rejected")
	}

	if !a.cfg.AutoRegister {
		if _, err := a.deps.Registry.Get(ctx, deviceID); err != nil {
			if coreerrors.IsCode(err, coreerrors.CodeNotFound) {
				a.metrics.Claim("not_found")
			} else {
				a.metrics.Claim("error")
			}
			return nil, err
		}
	}
	if _, err := a.deps.Registry.Claim(ctx, deviceID, req.CompanionID); err != nil {
		a.metrics.Claim("error")
		return nil, err
	}

	pair, err := a.deps.Tokens.Issue(deviceID, req.CompanionID)
	if err != nil {
		a.metrics.Claim("error")
		return nil, err
	}
	body, err := json.Marshal(Response{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(a.deps.Tokens.AccessTTL() / time.Second),
	})
	if err != nil {
		a.metrics.Claim("error")
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "encode claim response failed")
	}

	winner, err := a.deps.Idempotency.Store(ctx, fp, body)
	if err != nil {
		a.metrics.Claim("error")
		return nil, err
	}
	a.metrics.Claim("issued")
	log.Info("Claim: device claimed")
	return winner, nil
}
