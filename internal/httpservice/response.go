package httpservice

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	coreerrors "companion-gateway/internal/core/errors"
)

// ErrorBody 错误详情
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// ResponseData 统一响应结构
type ResponseData struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// respondJSON 发送 JSON 响应
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ResponseData{
		Success: statusCode >= 200 && statusCode < 300,
		Data:    data,
	})
}

// respondSuccess 发送成功响应
func respondSuccess(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, data)
}

// respondRaw 原样输出已编码的响应体（认领响应必须逐字节一致）
func respondRaw(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// respondError 按错误码输出状态码；限流错误附带 Retry-After（秒，向上取整）
func respondError(w http.ResponseWriter, err error) {
	status := coreerrors.HTTPStatus(err)
	body := &ErrorBody{Code: string(coreerrors.GetCode(err)), Message: publicMessage(err, status)}

	if d, ok := coreerrors.RetryAfter(err); ok {
		body.RetryAfterMs = d.Milliseconds()
		secs := int64(math.Ceil(d.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ResponseData{Error: body})
}

// publicMessage 内部错误不向调用方暴露原因
func publicMessage(err error, status int) string {
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		return "internal error"
	}
	var e *coreerrors.Error
	if coreerrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return coreerrors.Wrap(err, coreerrors.CodeInvalidRequest, "invalid request body")
	}
	return nil
}
