package httpservice

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	coreerrors "companion-gateway/internal/core/errors"
	"companion-gateway/internal/protocol/message"
)

const (
	// 关闭帧 reason 上限 123 字节
	maxCloseReason = 123
	closeWriteWait = time.Second
)

// wsTransport 将 gorilla 连接适配为会话传输
// 读由会话的读协程独占，写通过 writeMu 串行；控制帧可并发写
type wsTransport struct {
	conn         *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	pongWait     time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn, remoteAddr string, readLimit int64, pingInterval, writeTimeout time.Duration) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	conn.SetReadLimit(readLimit)
	if pingInterval > 0 {
		// 两个 ping 周期内没有任何入站数据视为对端失联
		t.pongWait = 2*pingInterval + writeTimeout
		_ = conn.SetReadDeadline(time.Now().Add(t.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.pongWait))
		})
		go t.pingLoop(pingInterval)
	}
	return t
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// ReadFrame 阻塞读取下一帧；连接关闭时返回错误
func (t *wsTransport) ReadFrame(ctx context.Context) (message.Frame, error) {
	typ, data, err := t.conn.ReadMessage()
	if err != nil {
		return message.Frame{}, err
	}
	if t.pongWait > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
	}
	return message.Frame{Binary: typ == websocket.BinaryMessage, Data: data}, nil
}

// WriteFrame 写一帧，超时视为连接失效
func (t *wsTransport) WriteFrame(ctx context.Context, f message.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return coreerrors.New(coreerrors.CodeInvalidState, "transport closed")
	default:
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	typ := websocket.TextMessage
	if f.Binary {
		typ = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(typ, f.Data)
}

// Close 发送关闭帧后断开；1006 只表示本端判定连接已丢失，不能出现在线上
func (t *wsTransport) Close(code message.CloseCode, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if code != message.CloseAbnormal {
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
			payload := websocket.FormatCloseMessage(int(code), reason)
			_ = t.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(closeWriteWait))
		}
		err = t.conn.Close()
	})
	return err
}

// RemoteAddr 对端地址
func (t *wsTransport) RemoteAddr() string {
	return t.remoteAddr
}
