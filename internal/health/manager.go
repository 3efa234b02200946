// Package health 实例健康状态
//
// 状态分三种：healthy 接受新连接；draining 排空中，只服务现有连接；
// unhealthy 不可用。负载均衡器通过 /ready 读取，排空开始后即被摘除。
package health

import (
	"sync"
	"time"
)

// Status 实例状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDraining  Status = "draining"
	StatusUnhealthy Status = "unhealthy"
)

// Info /healthz 返回的状态
type Info struct {
	Status            Status                      `json:"status"`
	InstanceID        string                      `json:"instance_id,omitempty"`
	Version           string                      `json:"version,omitempty"`
	ActiveSessions    int                         `json:"active_sessions"`
	Uptime            int64                       `json:"uptime_seconds"`
	LastStatusChange  time.Time                   `json:"last_status_change"`
	AcceptingNewConns bool                        `json:"accepting_new_connections"`
	Details           map[string]string           `json:"details,omitempty"`
	Components        map[string]*ComponentHealth `json:"components,omitempty"`
}

// SessionCounter 本实例持有的会话数
type SessionCounter interface {
	Count() int
}

// Manager 健康状态
type Manager struct {
	mu sync.RWMutex

	status     Status
	startTime  time.Time
	lastChange time.Time
	instanceID string
	version    string
	details    map[string]string

	sessions SessionCounter
	now      func() time.Time
}

// NewManager 创建健康状态管理器；now 为空时使用 time.Now
func NewManager(instanceID, version string, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Manager{
		status:     StatusHealthy,
		startTime:  t,
		lastChange: t,
		instanceID: instanceID,
		version:    version,
		details:    make(map[string]string),
		now:        now,
	}
}

// SetSessionCounter 注入会话计数
func (m *Manager) SetSessionCounter(c SessionCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = c
}

// Status 当前状态
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus 设置状态
func (m *Manager) SetStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != status {
		m.status = status
		m.lastChange = m.now()
	}
}

func (m *Manager) IsHealthy() bool  { return m.Status() == StatusHealthy }
func (m *Manager) IsDraining() bool { return m.Status() == StatusDraining }

// IsAcceptingConnections 只有 healthy 接受新的流式连接
func (m *Manager) IsAcceptingConnections() bool {
	return m.Status() == StatusHealthy
}

// MarkDraining 进入排空
func (m *Manager) MarkDraining() {
	m.SetStatus(StatusDraining)
}

// MarkHealthy 恢复服务（撤销排空）
func (m *Manager) MarkHealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusHealthy {
		m.status = StatusHealthy
		m.lastChange = m.now()
	}
	delete(m.details, "unhealthy_reason")
}

// MarkUnhealthy 标记不可用
func (m *Manager) MarkUnhealthy(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusUnhealthy
	m.lastChange = m.now()
	m.details["unhealthy_reason"] = reason
}

// SetDetail 附加详情
func (m *Manager) SetDetail(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[key] = value
}

// Info 状态快照
func (m *Manager) Info() *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	if m.sessions != nil {
		active = m.sessions.Count()
	}
	details := make(map[string]string, len(m.details))
	for k, v := range m.details {
		details[k] = v
	}
	return &Info{
		Status:            m.status,
		InstanceID:        m.instanceID,
		Version:           m.version,
		ActiveSessions:    active,
		Uptime:            int64(m.now().Sub(m.startTime) / time.Second),
		LastStatusChange:  m.lastChange,
		AcceptingNewConns: m.status == StatusHealthy,
		Details:           details,
	}
}
