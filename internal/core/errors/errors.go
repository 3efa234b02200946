// Package errors 提供带错误码的统一错误类型
//
// 错误码同时决定 HTTP 状态、WebSocket 通知类型以及日志分类，
// errors.Is 按错误码比较。
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误码
type ErrorCode string

const (
	// 认证
	CodeAuthFailed   ErrorCode = "AUTH_FAILED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// 资源
	CodeNotFound ErrorCode = "NOT_FOUND"
	CodeConflict ErrorCode = "CONFLICT"

	// 请求
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeInvalidState   ErrorCode = "INVALID_STATE"
	CodeConfigError    ErrorCode = "CONFIG_ERROR"

	// 协议
	CodeReplayConflict  ErrorCode = "REPLAY_CONFLICT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"
	CodeMalformedFrame  ErrorCode = "MALFORMED_FRAME"
	CodePolicyViolation ErrorCode = "POLICY_VIOLATION"
	CodeResumeFailed    ErrorCode = "RESUME_FAILED"
	CodeDraining        ErrorCode = "DRAINING"

	// 系统
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeEncryptionError  ErrorCode = "ENCRYPTION_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// 详情键
const (
	DetailRetryAfterMs = "retry_after_ms"
	DetailScope        = "scope"
	DetailDeviceID     = "device_id"
)

// Error 统一错误类型
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail 附加详情
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter 附加重试等待时间（毫秒精度）
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d < 0 {
		d = 0
	}
	return e.WithDetail(DetailRetryAfterMs, fmt.Sprintf("%d", d.Milliseconds()))
}

// Detail 读取详情，不存在返回空串
func (e *Error) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	return e.Details[key]
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// GetCode 提取错误码，非 *Error 视为内部错误
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode 判断错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

var (
	Is = errors.Is
	As = errors.As
)
