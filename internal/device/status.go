// Package device 设备端：配对载荷解密、认领、流式连接与重连状态机
package device

// Status 设备对外的状态指示（指示灯）
type Status int

const (
	StatusUnprovisioned  Status = iota // 未配网
	StatusConnecting                   // 认领或连接中
	StatusActive                       // 已认证，会话活跃
	StatusNeedsRepairing               // 需要重新配对
	StatusBackingOff                   // 限流或连接失败，退避中
)

func (s Status) String() string {
	switch s {
	case StatusUnprovisioned:
		return "unprovisioned"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusNeedsRepairing:
		return "needs_repairing"
	case StatusBackingOff:
		return "backing_off"
	default:
		return "unknown"
	}
}
