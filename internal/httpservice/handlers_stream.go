package httpservice

import (
	"net/http"
	"time"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/session"
)

// handleStream 升级为 WebSocket 并交给会话管理器
// 凭证错误在升级之后以关闭码表达，设备据关闭码决定重新认领还是刷新
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Health.IsAcceptingConnections() || s.deps.Sessions.Draining() {
		respondError(w, coreerrors.New(coreerrors.CodeDraining, "instance is draining").WithRetryAfter(time.Second))
		return
	}

	q := r.URL.Query()
	req := session.OpenRequest{
		DeviceID:    q.Get("device_id"),
		CompanionID: q.Get("companion_id"),
		AccessToken: bearerToken(r),
	}
	if req.AccessToken == "" {
		req.AccessToken = q.Get("access_token")
	}
	if req.DeviceID == "" {
		respondError(w, coreerrors.New(coreerrors.CodeInvalidRequest, "device_id is required"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		s.logger.WithError(err).Debug("HTTP: websocket upgrade failed")
		return
	}

	// 超过上限的音频帧交由解码层按畸形帧处理，连接不断
	readLimit := int64(s.cfg.MaxBinaryFrame)*4 + maxBodyBytes
	t := newWSTransport(conn, clientIP(r), readLimit, s.cfg.PingInterval, s.cfg.WriteTimeout)
	if err := s.deps.Sessions.Serve(s.connCtx, t, req); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"device_id":  req.DeviceID,
			"request_id": RequestID(r.Context()),
		}).WithError(err).Debug("HTTP: stream rejected")
	}
}
