package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/protocol/message"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// Target 一次流式连接的身份与凭证
type Target struct {
	DeviceID    string
	CompanionID string
	AccessToken string
}

// Conn 设备侧流式连接；ReadFrame 只由读协程调用，写操作只由状态机协程调用
type Conn interface {
	ReadFrame() (message.Frame, error)
	WriteFrame(f message.Frame) error
	Close(code message.CloseCode, reason string) error
}

// Dialer 建立流式连接
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// CloseError 连接结束，Code 为服务端关闭码；非正常断开为 1006
type CloseError struct {
	Code   message.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: %d %s", int(e.Code), e.Code)
	}
	return fmt.Sprintf("connection closed: %d %s (%s)", int(e.Code), e.Code, e.Reason)
}

// closeCodeOf 读错误对应的关闭码
func closeCodeOf(err error) message.CloseCode {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return message.CloseAbnormal
}

// WSDialer 基于 gorilla/websocket 的拨号器
type WSDialer struct {
	streamURL    string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWSDialer baseURL 可以是 http(s) 或 ws(s) 地址，流式入口固定为 /v1/stream
func NewWSDialer(baseURL string) (*WSDialer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CodeConfigError, "invalid gateway url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, coreerrors.Newf(coreerrors.CodeConfigError, "unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path += "/v1/stream"

	return &WSDialer{
		streamURL: u.String(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		writeTimeout: defaultWriteTimeout,
	}, nil
}

// Dial 令牌放在 Authorization 头；实例排空时返回 DRAINING 并带上 Retry-After
func (d *WSDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	q := url.Values{}
	q.Set("device_id", target.DeviceID)
	if target.CompanionID != "" {
		q.Set("companion_id", target.CompanionID)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+target.AccessToken)

	conn, resp, err := d.dialer.DialContext(ctx, d.streamURL+"?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, dialStatusError(resp)
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeTimeout, "dial stream failed")
	}
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

func dialStatusError(resp *http.Response) error {
	if resp.Body != nil {
		_ = resp.Body.Close()
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		return coreerrors.Newf(coreerrors.CodeInternal, "stream upgrade rejected with %d", resp.StatusCode)
	}
	e := coreerrors.New(coreerrors.CodeDraining, "instance is draining")
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e = e.WithRetryAfter(time.Duration(secs) * time.Second)
	}
	return e
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadFrame() (message.Frame, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return message.Frame{}, &CloseError{Code: message.CloseCode(ce.Code), Reason: ce.Text}
		}
		return message.Frame{}, &CloseError{Code: message.CloseAbnormal, Reason: err.Error()}
	}
	return message.Frame{Binary: mt == websocket.BinaryMessage, Data: data}, nil
}

func (c *wsConn) WriteFrame(f message.Frame) error {
	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(mt, f.Data)
}

func (c *wsConn) Close(code message.CloseCode, reason string) error {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(int(code), reason), deadline)
	return c.conn.Close()
}
