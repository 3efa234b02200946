package pairing

import (
	"crypto/rand"
	"math/big"

	coreerrors "companion-gateway/internal/core/errors"
)

// codeCharset 去掉了易混淆的 0/O、1/I/L
const codeCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultCodeLength 默认配对码长度
const DefaultCodeLength = 6

// GenerateCode 生成配对码
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	max := big.NewInt(int64(len(codeCharset)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to generate pairing code")
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code), nil
}
