package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
)

var ErrPeerClosed = errors.New("peer connection closed")

// Peer 服务端视角下的一个对端连接
type Peer interface {
	Send(data []byte) error
	IsActive() bool
	Close() error
}

// ConnPeer 基于 net.Conn 的 Peer, 写操作串行化
type ConnPeer struct {
	conn         net.Conn
	id           string
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func NewConnPeer(conn net.Conn, writeTimeout time.Duration) *ConnPeer {
	return &ConnPeer{conn: conn, id: conn.RemoteAddr().String(), writeTimeout: writeTimeout}
}

func (p *ConnPeer) ID() string {
	return p.id
}

func (p *ConnPeer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	if err := codec.WriteFrame(p.conn, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", p.id, err)
		return err
	}
	logger.DebugF("[%s] Send %d bytes to client", p.id, len(data))
	return nil
}

func (p *ConnPeer) IsActive() bool {
	return !p.closed.Load()
}

// Close 可重复调用
func (p *ConnPeer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.conn.Close(); err != nil && !IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", p.id, err)
		return err
	}
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case errors.Is(err, net.ErrClosed):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
