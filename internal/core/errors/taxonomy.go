package errors

import (
	"net/http"
	"strconv"
	"time"
)

// Kind 面向运维与告警的错误分类
type Kind string

const (
	KindAuthenticationFailure  Kind = "AuthenticationFailure"
	KindReplayConflict         Kind = "ReplayConflict"
	KindNotFound               Kind = "NotFound"
	KindRateLimited            Kind = "RateLimited"
	KindMalformedFrame         Kind = "MalformedFrame"
	KindPolicyViolation        Kind = "PolicyViolation"
	KindResumeFailure          Kind = "ResumeFailure"
	KindSharedStoreUnavailable Kind = "SharedStoreUnavailable"
	KindInvalidRequest         Kind = "InvalidRequest"
	KindInternal               Kind = "Internal"
)

// KindOf 错误码到分类的映射
func KindOf(err error) Kind {
	switch GetCode(err) {
	case CodeAuthFailed, CodeInvalidToken, CodeTokenExpired:
		return KindAuthenticationFailure
	case CodeReplayConflict:
		return KindReplayConflict
	case CodeNotFound:
		return KindNotFound
	case CodeRateLimited:
		return KindRateLimited
	case CodeMalformedFrame:
		return KindMalformedFrame
	case CodePolicyViolation:
		return KindPolicyViolation
	case CodeResumeFailed:
		return KindResumeFailure
	case CodeStoreUnavailable:
		return KindSharedStoreUnavailable
	case CodeInvalidRequest:
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

// HTTPStatus 错误码到 HTTP 状态码
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeAuthFailed, CodeInvalidToken, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeReplayConflict, CodeConflict, CodeInvalidState:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInvalidRequest, CodeMalformedFrame:
		return http.StatusBadRequest
	case CodeStoreUnavailable, CodeDraining:
		return http.StatusServiceUnavailable
	case CodeResumeFailed:
		return http.StatusGone
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfter 读取错误携带的重试等待时间
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if !As(err, &e) {
		return 0, false
	}
	raw := e.Detail(DetailRetryAfterMs)
	if raw == "" {
		return 0, false
	}
	ms, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
