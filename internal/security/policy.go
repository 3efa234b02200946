package security

import (
	"fmt"
	"strings"
)

// FailurePolicy 共享存储不可用时的处理策略
type FailurePolicy string

const (
	// FailClosed 拒绝请求（默认，认证关键路径只允许此策略）
	FailClosed FailurePolicy = "closed"
	// FailOpen 放行并记录告警，牺牲严格的恰好一次语义换取可用性
	FailOpen FailurePolicy = "open"
)

// ParseFailurePolicy 解析配置值，空串视为 FailClosed
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return FailClosed, fmt.Errorf("unknown store failure policy %q", s)
	}
}
