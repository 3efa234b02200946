// Package message 流式连接上的消息定义
//
// 文本帧承载 JSON 信封 {"type","seq","data"}，二进制帧承载音频。
// 服务端消息与设备消息分别是封闭的联合类型，新增类型必须同时扩展编解码的 switch。
package message

// Type 消息类型
type Type string

// 服务端 -> 设备
const (
	TypeWelcome         Type = "welcome"
	TypePolicyUpdate    Type = "policy_update"
	TypeRefreshResponse Type = "refresh_response"
	TypeAlert           Type = "alert"
	TypeRateLimit       Type = "rate_limit"
	TypeMalformedFrame  Type = "malformed_frame"
	TypePolicyViolation Type = "policy_violation"
	TypeDrain           Type = "drain"
	TypeAudio           Type = "audio"
)

// 设备 -> 服务端
const (
	TypeAck            Type = "ack"
	TypeRefreshRequest Type = "refresh_request"
	TypePing           Type = "ping"
)

// DefaultMaxBinaryFrame 入站音频帧上限
const DefaultMaxBinaryFrame = 16 * 1024

// ServerMessage 服务端下行消息
type ServerMessage interface {
	Type() Type
	isServerMessage()
}

// DeviceMessage 设备上行消息
type DeviceMessage interface {
	Type() Type
	isDeviceMessage()
}

// Capabilities 服务端在 welcome 中声明的能力
type Capabilities struct {
	MaxBinaryFrame      int `json:"max_binary_frame"`
	HeartbeatSeconds    int `json:"heartbeat_seconds"`
	BufferSize          int `json:"buffer_size"`
	ResumeWindowSeconds int `json:"resume_window_seconds"`
}

// Welcome 握手完成，之后才接受业务帧
type Welcome struct {
	SessionID    string       `json:"session_id"`
	ConnectionID string       `json:"connection_id"`
	Resumed      bool         `json:"resumed"`
	ReplayCount  int          `json:"replay_count"`
	LastAckedSeq uint64       `json:"last_acked_seq"`
	Capabilities Capabilities `json:"capabilities"`
}

// PolicyUpdate 下发设备侧策略
type PolicyUpdate struct {
	Settings map[string]string `json:"settings"`
}

// RefreshResponse 连接内刷新结果；失败时令牌为空，Error 为错误码
type RefreshResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Alert 面向设备的提示
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// RateLimit 限流通知，连接保留
type RateLimit struct {
	Scope        string `json:"scope"`
	RetryAfterMs int64  `json:"retry_after_ms"`
	Locked       bool   `json:"locked,omitempty"`
}

// MalformedFrame 单帧被拒，连接保留
type MalformedFrame struct {
	Reason string `json:"reason"`
}

// PolicyViolation 内容被下游拒绝，连接保留
type PolicyViolation struct {
	Reason string `json:"reason"`
}

// Drain 实例即将下线，设备应退避后重连并恢复
type Drain struct {
	Reason           string `json:"reason"`
	ReconnectAfterMs int64  `json:"reconnect_after_ms"`
}

// Audio 下行音频块
type Audio struct {
	Payload []byte `json:"-"`
}

func (Welcome) Type() Type         { return TypeWelcome }
func (PolicyUpdate) Type() Type    { return TypePolicyUpdate }
func (RefreshResponse) Type() Type { return TypeRefreshResponse }
func (Alert) Type() Type           { return TypeAlert }
func (RateLimit) Type() Type       { return TypeRateLimit }
func (MalformedFrame) Type() Type  { return TypeMalformedFrame }
func (PolicyViolation) Type() Type { return TypePolicyViolation }
func (Drain) Type() Type           { return TypeDrain }
func (Audio) Type() Type           { return TypeAudio }

func (Welcome) isServerMessage()         {}
func (PolicyUpdate) isServerMessage()    {}
func (RefreshResponse) isServerMessage() {}
func (Alert) isServerMessage()           {}
func (RateLimit) isServerMessage()       {}
func (MalformedFrame) isServerMessage()  {}
func (PolicyViolation) isServerMessage() {}
func (Drain) isServerMessage()           {}
func (Audio) isServerMessage()           {}

// Ack 累计确认
type Ack struct {
	Seq uint64 `json:"seq"`
}

// RefreshRequest 连接内刷新令牌
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Nonce        string `json:"nonce"`
}

// Ping 应用层心跳
type Ping struct{}

// InboundAudio 上行音频块
type InboundAudio struct {
	Payload []byte
}

func (Ack) Type() Type            { return TypeAck }
func (RefreshRequest) Type() Type { return TypeRefreshRequest }
func (Ping) Type() Type           { return TypePing }
func (InboundAudio) Type() Type   { return TypeAudio }

func (Ack) isDeviceMessage()            {}
func (RefreshRequest) isDeviceMessage() {}
func (Ping) isDeviceMessage()           {}
func (InboundAudio) isDeviceMessage()   {}

// Sequenced 需要进入重放缓冲的消息：音频、告警与策略
// 控制类通知（welcome、限流、畸形帧、刷新响应、drain）只对当前连接有意义，不编号
func Sequenced(msg ServerMessage) bool {
	switch msg.(type) {
	case Audio, Alert, PolicyUpdate:
		return true
	default:
		return false
	}
}
