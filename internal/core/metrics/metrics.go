// Package metrics 基于 Prometheus 的协议指标
// 所有方法允许 nil 接收者，未注入指标的组件无需判空
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "companion"

// Metrics 协议核心指标
type Metrics struct {
	ClaimsTotal           *prometheus.CounterVec
	ReplayConflictsTotal  prometheus.Counter
	RateLimitedTotal      *prometheus.CounterVec
	SessionsActive        prometheus.Gauge
	ResumesTotal          *prometheus.CounterVec
	DroppedMessagesTotal  prometheus.Counter
	MalformedFramesTotal  prometheus.Counter
	DrainForceClosedTotal prometheus.Counter
	StoreFailOpenTotal    *prometheus.CounterVec
	TokenRefreshTotal     *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by result.",
		}, []string{"result"}),
		ReplayConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_conflicts_total",
			Help:      "Nonces reused with a different proof.",
		}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rejections by rate limit scope.",
		}, []string{"scope"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Streaming connections held by this instance.",
		}),
		ResumesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Session resume attempts by result.",
		}, []string{"result"}),
		DroppedMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Unacknowledged messages evicted from resume buffers.",
		}),
		MalformedFramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames rejected as malformed.",
		}),
		DrainForceClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_force_closed_total",
			Help:      "Connections closed at drain deadline.",
		}),
		StoreFailOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fail_open_total",
			Help:      "Shared store failures tolerated by fail-open policy.",
		}, []string{"path"}),
		TokenRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ClaimsTotal,
			m.ReplayConflictsTotal,
			m.RateLimitedTotal,
			m.SessionsActive,
			m.ResumesTotal,
			m.DroppedMessagesTotal,
			m.MalformedFramesTotal,
			m.DrainForceClosedTotal,
			m.StoreFailOpenTotal,
			m.TokenRefreshTotal,
		)
	}
	return m
}

func (m *Metrics) Claim(result string) {
	if m != nil {
		m.ClaimsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ReplayConflict() {
	if m != nil {
		m.ReplayConflictsTotal.Inc()
	}
}

func (m *Metrics) RateLimited(scope string) {
	if m != nil {
		m.RateLimitedTotal.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) Resume(result string) {
	if m != nil {
		m.ResumesTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) DroppedMessages(n int) {
	if m != nil && n > 0 {
		m.DroppedMessagesTotal.Add(float64(n))
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.MalformedFramesTotal.Inc()
	}
}

func (m *Metrics) DrainForceClosed(n int) {
	if m != nil && n > 0 {
		m.DrainForceClosedTotal.Add(float64(n))
	}
}

func (m *Metrics) StoreFailOpen(path string) {
	if m != nil {
		m.StoreFailOpenTotal.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) TokenRefresh(result string) {
	if m != nil {
		m.TokenRefreshTotal.WithLabelValues(result).Inc()
	}
}
