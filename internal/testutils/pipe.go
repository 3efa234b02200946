package testutils

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion-gateway/internal/protocol/message"
)

// WaitTimeout 等待服务端动作的上限
const WaitTimeout = 2 * time.Second

// Pipe 内存中的帧传输，服务端一侧实现 session.Transport，
// 测试以设备身份调用 Send/Next/WaitClosed
type Pipe struct {
	in     chan message.Frame // 设备 -> 服务端
	out    chan message.Frame // 服务端 -> 设备
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	code   message.CloseCode
	reason string
}

// NewPipe 创建传输
func NewPipe() *Pipe {
	return &Pipe{
		in:     make(chan message.Frame, 16),
		out:    make(chan message.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (p *Pipe) ReadFrame(ctx context.Context) (message.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return message.Frame{}, io.EOF
	case <-ctx.Done():
		return message.Frame{}, ctx.Err()
	}
}

func (p *Pipe) WriteFrame(ctx context.Context, f message.Frame) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Close(code message.CloseCode, reason string) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.code, p.reason = code, reason
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

func (p *Pipe) RemoteAddr() string { return "pipe" }

// Hangup 设备侧断开
func (p *Pipe) Hangup() {
	_ = p.Close(message.CloseAbnormal, "")
}

// Inject 写入原始上行帧
func (p *Pipe) Inject(f message.Frame) {
	p.in <- f
}

// Send 编码并写入上行消息
func (p *Pipe) Send(t testing.TB, msg message.DeviceMessage) {
	t.Helper()
	f, err := message.EncodeDevice(msg)
	require.NoError(t, err)
	p.in <- f
}

// Next 读取下一条下行消息
func (p *Pipe) Next(t testing.TB) (message.ServerMessage, uint64) {
	t.Helper()
	select {
	case f := <-p.out:
		msg, seq, err := message.DecodeServer(f)
		require.NoError(t, err)
		return msg, seq
	case <-time.After(WaitTimeout):
		require.FailNow(t, "timed out waiting for server frame")
		return nil, 0
	}
}

// Quiet 断言 d 内没有下行帧
func (p *Pipe) Quiet(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case f := <-p.out:
		require.FailNowf(t, "unexpected frame", "%s", f.Data)
	case <-time.After(d):
	}
}

// WaitClosed 等待服务端关闭并返回关闭码
func (p *Pipe) WaitClosed(t testing.TB) message.CloseCode {
	t.Helper()
	select {
	case <-p.closed:
	case <-time.After(WaitTimeout):
		require.FailNow(t, "timed out waiting for close")
	}
	return p.CloseCode()
}

// CloseCode 关闭码，未关闭为 0
func (p *Pipe) CloseCode() message.CloseCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// Closed 是否已关闭
func (p *Pipe) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
