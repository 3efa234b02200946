package httpservice

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	coreerrors "companion-gateway/internal/core/errors"
	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/security"
)

// HeaderRequestID 请求 ID 头
const HeaderRequestID = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID 取出中间件注入的请求 ID
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// statusRecorder 记录状态码；Hijack 透传给 WebSocket 升级
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, coreerrors.New(coreerrors.CodeInternal, "response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestIDMiddleware 沿用调用方的请求 ID，没有则生成
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// loggingMiddleware 日志中间件
func loggingMiddleware(logger corelog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.WithFields(map[string]interface{}{
				"request_id": RequestID(r.Context()),
				"status":     rec.status,
				"remote":     clientIP(r),
			}).Debugf("HTTP: %s %s - %s", r.Method, r.URL.Path, time.Since(start))
		})
	}
}

// recoveryMiddleware 处理器 panic 时返回 500 并记录堆栈
func recoveryMiddleware(logger corelog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					if p == http.ErrAbortHandler {
						panic(p)
					}
					logger.WithFields(map[string]interface{}{
						"request_id": RequestID(r.Context()),
						"panic":      p,
						"stack":      string(debug.Stack()),
					}).Error("HTTP: handler panicked")
					respondError(w, coreerrors.New(coreerrors.CodeInternal, "internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimitMiddleware 本地按 IP 的令牌桶，挡在共享存储限流之前
func ipLimitMiddleware(limiter *security.IPLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := limiter.Allow(clientIP(r)); !ok {
				respondError(w, coreerrors.New(coreerrors.CodeRateLimited, "too many requests from this address").
					WithDetail("scope", "ip").
					WithRetryAfter(wait))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
