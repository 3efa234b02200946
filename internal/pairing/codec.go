// Package pairing 实现近场配网载荷的加解密与一次性配对材料
//
// 包格式固定为 nonce(12) ‖ tag(16) ‖ ciphertext，AES-256-GCM。
// 设备端解密失败一律丢弃整个载荷，不返回任何部分明文。
package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	// HeaderSize nonce 与 tag 的总长度，即最短合法包长
	HeaderSize = NonceSize + TagSize
)

// ErrPayloadRejected 解密失败（长度、密钥或认证标签不合法）
// 刻意不区分具体原因
var ErrPayloadRejected = errors.New("pairing payload rejected")

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrPayloadRejected
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrPayloadRejected
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Seal 加密明文，输出 nonce ‖ tag ‖ ciphertext
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	// GCM 输出为 ciphertext ‖ tag，需要调整为线上顺序
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ctLen := len(sealed) - TagSize

	packet := make([]byte, 0, HeaderSize+ctLen)
	packet = append(packet, nonce...)
	packet = append(packet, sealed[ctLen:]...)
	packet = append(packet, sealed[:ctLen]...)
	return packet, nil
}

// Open 解密包，任何失败都返回 ErrPayloadRejected
func Open(key, packet []byte) ([]byte, error) {
	if len(packet) < HeaderSize {
		return nil, ErrPayloadRejected
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrPayloadRejected
	}

	nonce := packet[:NonceSize]
	tag := packet[NonceSize:HeaderSize]
	ciphertext := packet[HeaderSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrPayloadRejected
	}
	return plaintext, nil
}

// NewKey 生成一次性对称密钥
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
