package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ComponentStatus 依赖组件状态
type ComponentStatus string

const (
	ComponentHealthy   ComponentStatus = "healthy"
	ComponentDegraded  ComponentStatus = "degraded"  // 可服务，部分能力受损
	ComponentUnhealthy ComponentStatus = "unhealthy" // 不可服务
)

// ComponentHealth 组件检查结果
type ComponentHealth struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LastCheck time.Time       `json:"last_check"`
}

// Checker 组件检查
type Checker interface {
	Check(ctx context.Context) (*ComponentHealth, error)
}

// CheckerFunc 函数适配
type CheckerFunc func(ctx context.Context) (*ComponentHealth, error)

func (f CheckerFunc) Check(ctx context.Context) (*ComponentHealth, error) { return f(ctx) }

// Composite 并发执行全部检查，每项受单独超时约束
type Composite struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
}

// NewComposite 创建组合检查
func NewComposite(timeout time.Duration) *Composite {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Composite{checkers: make(map[string]Checker), timeout: timeout}
}

// Register 注册检查项，同名覆盖
func (c *Composite) Register(name string, checker Checker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers[name] = checker
}

// Names 已注册的检查项
func (c *Composite) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checkers))
	for name := range c.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll 执行全部检查；检查返回错误或超时记为 unhealthy
func (c *Composite) CheckAll(ctx context.Context) map[string]*ComponentHealth {
	c.mu.RLock()
	checkers := make(map[string]Checker, len(c.checkers))
	for name, ch := range c.checkers {
		checkers[name] = ch
	}
	c.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]*ComponentHealth, len(checkers))
	var g errgroup.Group
	for name, checker := range checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			res, err := checker.Check(checkCtx)
			if err != nil {
				res = &ComponentHealth{Name: name, Status: ComponentUnhealthy, Message: err.Error(), LastCheck: time.Now()}
			}
			if res == nil {
				return nil
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Overall 汇总：任一 unhealthy 即 unhealthy，其次 degraded
func Overall(results map[string]*ComponentHealth) ComponentStatus {
	status := ComponentHealthy
	for _, r := range results {
		switch r.Status {
		case ComponentUnhealthy:
			return ComponentUnhealthy
		case ComponentDegraded:
			status = ComponentDegraded
		}
	}
	return status
}
