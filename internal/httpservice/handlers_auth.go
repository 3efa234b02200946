package httpservice

import (
	"net/http"
	"strings"
	"time"

	"companion-gateway/internal/claim"
	coreerrors "companion-gateway/internal/core/errors"
)

// RefreshRequest 刷新令牌请求
type RefreshRequest struct {
	DeviceID     string `json:"device_id"`
	RefreshToken string `json:"refresh_token"`
	Nonce        string `json:"nonce"`
}

// handleClaim 认领成功时原样返回缓存的响应体，重试得到逐字节相同的结果
func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claim.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	body, err := s.deps.Claims.Claim(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondRaw(w, http.StatusOK, body)
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = bearerToken(r)
	}
	if req.DeviceID == "" || req.RefreshToken == "" {
		respondError(w, coreerrors.New(coreerrors.CodeInvalidRequest, "device_id and refresh_token are required"))
		return
	}
	pair, err := s.deps.Tokens.Refresh(r.Context(), req.RefreshToken, req.DeviceID, req.Nonce)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, claim.Response{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    claim.TokenTypeBearer,
		ExpiresIn:    int64(s.deps.Tokens.AccessTTL() / time.Second),
	})
}

// bearerToken 从 Authorization 头取令牌
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
