package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger 可探活的依赖（共享存储、设备库、broker）
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker 探活检查；critical 为 false 时失败只记为 degraded
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

// NewPingChecker 创建探活检查
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical}
}

func (c *PingChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	res := &ComponentHealth{Name: c.name, Status: ComponentHealthy, LastCheck: time.Now()}
	if c.target == nil {
		res.Status = ComponentDegraded
		res.Message = "not configured"
		return res, nil
	}
	if err := c.target.Ping(ctx); err != nil {
		res.Status = ComponentDegraded
		if c.critical {
			res.Status = ComponentUnhealthy
		}
		res.Message = err.Error()
	}
	return res, nil
}

// SessionChecker 报告本实例会话数与排空状态
type SessionChecker struct {
	sessions SessionCounter
	manager  *Manager
}

// NewSessionChecker 创建会话检查
func NewSessionChecker(sessions SessionCounter, manager *Manager) *SessionChecker {
	return &SessionChecker{sessions: sessions, manager: manager}
}

func (c *SessionChecker) Check(ctx context.Context) (*ComponentHealth, error) {
	res := &ComponentHealth{Name: "sessions", Status: ComponentHealthy, LastCheck: time.Now()}
	if c.sessions == nil {
		res.Status = ComponentDegraded
		res.Message = "session manager not configured"
		return res, nil
	}
	res.Message = fmt.Sprintf("%d active", c.sessions.Count())
	if c.manager != nil && c.manager.IsDraining() {
		res.Status = ComponentDegraded
		res.Message += ", draining"
	}
	return res, nil
}
