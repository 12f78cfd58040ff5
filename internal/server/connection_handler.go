package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/connection"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

type ConnectionHandler struct {
	srv    *Server
	conn   net.Conn
	connId string
	peer   *connection.ConnPeer
}

func newConnHandler(srv *Server, conn net.Conn) *ConnectionHandler {
	peer := connection.NewConnPeer(conn, srv.opts.HeartbeatInterval)
	return &ConnectionHandler{srv: srv, conn: conn, connId: peer.ID(), peer: peer}
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	c.srv.registry.Register(c.connId, c.peer)
	c.srv.monitor.Register(c.connId)
	c.srv.stats.ConnectionOpened()

	stop := context.AfterFunc(ctx, func() { _ = c.peer.Close() })
	defer func() {
		stop()
		c.srv.monitor.MarkClosed(c.connId)
		c.srv.monitor.Unregister(c.connId)
		c.srv.registry.Unregister(c.connId, c.peer)
		_ = c.peer.Close()
		c.srv.stats.ConnectionClosed()
		logger.DebugF("[%s] Connection closed", c.connId)
	}()

	c.handleFrames(handler.WithPeer(ctx, c.connId))
}

// handleFrames 首帧使用较短的超时, 之后允许连续丢失三次心跳
func (c *ConnectionHandler) handleFrames(ctx context.Context) {
	reader := codec.NewFrameReader(c.conn, codec.MaxFrameBytes)
	deadline := c.srv.opts.FirstFrameTimeout
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		frame, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				c.srv.stats.FrameRejected(message.SDEUnknown)
				logger.ErrorF("[%s] Frame exceeds %d bytes, closing connection", c.connId, codec.MaxFrameBytes)
				return
			}
			connection.HandleReadError(c.connId, err)
			return
		}
		deadline = connection.MaxMissedHeartbeats * c.srv.opts.HeartbeatInterval
		c.srv.monitor.MarkHeartbeatReceived(c.connId)

		msg, err := c.srv.codec.Decode(frame)
		if err != nil {
			c.rejectFrame(err)
			continue
		}
		logger.DebugF("[%s] Receive %s %s seq %s", c.connId, msg.Type, operationName(msg), msg.Seq)

		resp := c.srv.dispatcher.Dispatch(ctx, msg)
		if resp == nil {
			continue
		}
		if err := c.reply(msg, resp); err != nil {
			logger.ErrorF("[%s] Fail to send reply for seq %s, details: %v", c.connId, msg.Seq, err)
			return
		}
	}
}

// rejectFrame 能识别出 REQUEST 的错误报文以 ERROR 应答
func (c *ConnectionHandler) rejectFrame(err error) {
	var decodeErr *codec.DecodeError
	if !errors.As(err, &decodeErr) {
		logger.WarnF("[%s] Drop undecodable frame, details: %v", c.connId, err)
		return
	}
	c.srv.stats.FrameRejected(decodeErr.Code)
	partial := decodeErr.Partial
	if partial == nil || partial.Type != message.REQUEST {
		logger.WarnF("[%s] Drop malformed frame, details: %v", c.connId, err)
		return
	}
	logger.WarnF("[%s] Reject malformed request seq %s, details: %v", c.connId, partial.Seq, err)
	reply := message.NewErrorMessage(partial, decodeErr.ProtocolError())
	if !reply.From.Sys.Valid() {
		reply.From = c.srv.opts.Local
	}
	if !reply.To.Sys.Valid() {
		reply.To = c.peerAddress(partial.Token)
	}
	if err := c.send(reply); err != nil {
		logger.WarnF("[%s] Fail to send error reply, details: %v", c.connId, err)
	}
}

// peerAddress 对端地址无法解析时按会话中的系统类型回填
func (c *ConnectionHandler) peerAddress(token string) message.Address {
	if sess := c.srv.sessions.GetSession(token); sess != nil {
		return message.Address{Sys: sess.SystemType}
	}
	return message.Address{Sys: message.TICP}
}

// reply 应答无法编码时改为回复 ERROR, 只有写连接失败才返回错误
func (c *ConnectionHandler) reply(req, resp *message.Message) error {
	data, err := c.srv.encode(resp)
	if err != nil {
		logger.ErrorF("[%s] Reply for seq %s cannot be encoded, details: %v", c.connId, req.Seq, err)
		if req.Type != message.REQUEST {
			return nil
		}
		fallback := message.NewErrorMessage(req, message.NewError(message.SDEFailure, "", "reply could not be encoded: %v", err))
		if data, err = c.srv.encode(fallback); err != nil {
			logger.ErrorF("[%s] Fail to encode error reply for seq %s, details: %v", c.connId, req.Seq, err)
			return nil
		}
	}
	return c.peer.Send(data)
}

func (c *ConnectionHandler) send(msg *message.Message) error {
	data, err := c.srv.encode(msg)
	if err != nil {
		return err
	}
	return c.peer.Send(data)
}

func operationName(msg *message.Message) message.OperationName {
	if op := msg.FirstOperation(); op != nil {
		return op.Name
	}
	return ""
}
