package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"companion-gateway/internal/claim"
	coreerrors "companion-gateway/internal/core/errors"
)

const defaultAPITimeout = 10 * time.Second

// Tokens 认领或刷新得到的令牌对
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Authenticator 设备调用的认证接口
type Authenticator interface {
	Claim(ctx context.Context, req claim.Request) (Tokens, error)
	Refresh(ctx context.Context, deviceID, refreshToken, nonce string) (Tokens, error)
}

// HTTPAuthenticator 通过网关 HTTP 接口认领与刷新
type HTTPAuthenticator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAuthenticator baseURL 形如 https://gateway.example.com
func NewHTTPAuthenticator(baseURL string, httpClient *http.Client) *HTTPAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	return &HTTPAuthenticator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// apiResponse 网关统一响应；认领成功时响应体直接是 claim.Response
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Claim 调用 POST /v1/claim
func (a *HTTPAuthenticator) Claim(ctx context.Context, req claim.Request) (Tokens, error) {
	body, err := a.post(ctx, "/v1/claim", req)
	if err != nil {
		return Tokens{}, err
	}
	var resp claim.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Tokens{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode claim response")
	}
	return tokensFrom(resp), nil
}

// Refresh 调用 POST /v1/token/refresh
func (a *HTTPAuthenticator) Refresh(ctx context.Context, deviceID, refreshToken, nonce string) (Tokens, error) {
	body, err := a.post(ctx, "/v1/token/refresh", map[string]string{
		"device_id":     deviceID,
		"refresh_token": refreshToken,
		"nonce":         nonce,
	})
	if err != nil {
		return Tokens{}, err
	}
	var wrapped apiResponse
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return Tokens{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode refresh response")
	}
	var resp claim.Response
	if err := json.Unmarshal(wrapped.Data, &resp); err != nil {
		return Tokens{}, coreerrors.Wrap(err, coreerrors.CodeInternal, "decode refresh tokens")
	}
	return tokensFrom(resp), nil
}

func tokensFrom(resp claim.Response) Tokens {
	return Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
	}
}

// post 发送 JSON 请求，2xx 返回响应体，其余转换为带错误码的错误
func (a *HTTPAuthenticator) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidRequest, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidRequest, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout, "request %s failed", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, coreerrors.Wrapf(err, coreerrors.CodeTimeout, "read %s response", path)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, decodeAPIError(resp.StatusCode, body)
}

// decodeAPIError 优先使用响应体中的错误码，解析失败时按状态码推断
func decodeAPIError(status int, body []byte) error {
	var wrapped apiResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Code != "" {
		e := coreerrors.New(coreerrors.ErrorCode(wrapped.Error.Code), wrapped.Error.Message)
		if wrapped.Error.RetryAfterMs > 0 {
			e = e.WithRetryAfter(time.Duration(wrapped.Error.RetryAfterMs) * time.Millisecond)
		}
		return e
	}

	code := coreerrors.CodeInternal
	switch status {
	case http.StatusUnauthorized:
		code = coreerrors.CodeAuthFailed
	case http.StatusNotFound:
		code = coreerrors.CodeNotFound
	case http.StatusConflict:
		code = coreerrors.CodeReplayConflict
	case http.StatusTooManyRequests:
		code = coreerrors.CodeRateLimited
	case http.StatusServiceUnavailable:
		code = coreerrors.CodeDraining
	}
	return coreerrors.New(code, fmt.Sprintf("gateway returned %d", status))
}
