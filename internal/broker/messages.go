package broker

// SessionSupersededMessage 会话取代通知，旧持有实例据此以 4011 关闭旧连接
type SessionSupersededMessage struct {
	DeviceID      string `json:"device_id"`
	ConnectionID  string `json:"connection_id"`  // 被取代的连接
	OwnerInstance string `json:"owner_instance"` // 被取代连接所在实例
	NewConnection string `json:"new_connection"`
	Timestamp     int64  `json:"timestamp"`
}

// SessionDeliverMessage 共享缓冲有新消息的提醒；消息本身已写入共享缓冲，
// 持有连接的实例收到后合并并下发，提醒丢失时由心跳兜底
type SessionDeliverMessage struct {
	DeviceID      string `json:"device_id"`
	CompanionID   string `json:"companion_id"`
	OwnerInstance string `json:"owner_instance"`
	Seq           uint64 `json:"seq"` // 追加后分配的序号
}

// InstanceDrainingMessage 实例排空通知
type InstanceDrainingMessage struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
	Deadline   int64  `json:"deadline"`
	Timestamp  int64  `json:"timestamp"`
}
