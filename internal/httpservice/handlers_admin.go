package httpservice

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/health"
)

// DrainRequest 排空请求
type DrainRequest struct {
	Reason          string `json:"reason"`
	MaxGraceSeconds int    `json:"max_grace_seconds"`
}

// handleHealthz 汇总实例状态与各组件检查
func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Health.Info()
	status := http.StatusOK
	if s.deps.Checks != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		info.Components = s.deps.Checks.CheckAll(ctx)
		if health.Overall(info.Components) == health.ComponentUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	if info.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, info)
}

// handleReady 排空中返回 503，负载均衡据此摘除实例
func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Health.IsAcceptingConnections() {
		respondError(w, coreerrors.New(coreerrors.CodeDraining, "not accepting connections"))
		return
	}
	respondSuccess(w, map[string]string{"status": string(s.deps.Health.Status())})
}

func (s *Service) handleDrainStart(w http.ResponseWriter, r *http.Request) {
	var req DrainRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.MaxGraceSeconds < 0 {
		respondError(w, coreerrors.New(coreerrors.CodeInvalidRequest, "max_grace_seconds must not be negative"))
		return
	}
	// 排空通知发给所有连接，不绑定到这次请求
	st, err := s.deps.Drain.Start(context.WithoutCancel(r.Context()), req.Reason, time.Duration(req.MaxGraceSeconds)*time.Second)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Service) handleDrainStatus(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, s.deps.Drain.Status())
}

// handleDrainComplete 阻塞到排空结束；请求被取消时立即强制关闭剩余连接
func (s *Service) handleDrainComplete(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Drain.Complete(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, st)
}

func (s *Service) handleAffinity(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Affinity.Lookup(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, b)
}

func (s *Service) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sessions.Status(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, st)
}
