// Package security 实现设备认证路径上的安全原语：
// 设备密钥派生、HMAC 证明、nonce 防重放、幂等缓存与限流。
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	coreerrors "companion-gateway/internal/core/errors"
)

const (
	// DeviceSecretSize 设备密钥长度
	DeviceSecretSize = 32

	// deviceSecretInfo HKDF info 标签，变更会使所有已出厂设备失效
	deviceSecretInfo = "companion-gateway/device-claim-secret/v1"
)

// NormalizeDeviceID 设备标识规范化：去首尾空白并转小写
// 仅用于查找与存储，不参与 HMAC 输入
func NormalizeDeviceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// SecretDeriver 由设备标识和服务端盐派生设备密钥
type SecretDeriver struct {
	salt []byte
}

// NewSecretDeriver 创建派生器，盐不能为空
func NewSecretDeriver(serverSalt []byte) (*SecretDeriver, error) {
	if len(serverSalt) == 0 {
		return nil, coreerrors.New(coreerrors.CodeConfigError, "server salt must not be empty")
	}
	salt := make([]byte, len(serverSalt))
	copy(salt, serverSalt)
	return &SecretDeriver{salt: salt}, nil
}

// Derive HKDF-SHA256(ikm=规范化设备标识, salt=服务端盐)
func (d *SecretDeriver) Derive(deviceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(NormalizeDeviceID(deviceID)), d.salt, []byte(deviceSecretInfo))
	secret := make([]byte, DeviceSecretSize)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInternal, "derive device secret")
	}
	return secret, nil
}

// Proof 计算认领证明 HMAC-SHA256(secret, deviceID ‖ companionID ‖ nonce)
// 三个字段按原始字节直接拼接，无分隔符，顺序属于线上协议
func Proof(secret []byte, deviceID, companionID, nonce string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(deviceID))
	mac.Write([]byte(companionID))
	mac.Write([]byte(nonce))
	return mac.Sum(nil)
}

// ProofHex Proof 的十六进制形式
func ProofHex(secret []byte, deviceID, companionID, nonce string) string {
	return hex.EncodeToString(Proof(secret, deviceID, companionID, nonce))
}

// VerifyProof 常量时间比较客户端提交的十六进制 HMAC
func VerifyProof(secret []byte, deviceID, companionID, nonce, proofHex string) bool {
	given, err := hex.DecodeString(proofHex)
	if err != nil {
		return false
	}
	return hmac.Equal(given, Proof(secret, deviceID, companionID, nonce))
}

// ValidHexNonce 定长十六进制 nonce 校验
func ValidHexNonce(nonce string, width int) bool {
	if width <= 0 || len(nonce) != width {
		return false
	}
	_, err := hex.DecodeString(nonce)
	return err == nil && width%2 == 0
}

// NewHexNonce 生成 width 个十六进制字符的随机 nonce，width 必须为正偶数
func NewHexNonce(width int) (string, error) {
	if width <= 0 || width%2 != 0 {
		return "", coreerrors.Newf(coreerrors.CodeInvalidRequest, "nonce width %d must be a positive even number", width)
	}
	buf := make([]byte, width/2)
	if _, err := rand.Read(buf); err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "generate nonce")
	}
	return hex.EncodeToString(buf), nil
}
