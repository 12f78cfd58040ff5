// Package server 实现 TCP 服务端: 接入循环, 逐连接读取与分发, 订阅推送投递
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/connection"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/session"
)

var ErrNoSession = errors.New("no session for token")

// Stats 服务端运行统计, 由指标模块实现
type Stats interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameRejected(code message.ErrorCode)
	PushDelivered(ok bool)
}

type nopStats struct{}

func (nopStats) ConnectionOpened()               {}
func (nopStats) ConnectionClosed()               {}
func (nopStats) FrameRejected(message.ErrorCode) {}
func (nopStats) PushDelivered(bool)              {}

type Options struct {
	Address           string
	Version           string
	Local             message.Address
	Remote            message.Address
	MaxConnections    int
	HeartbeatInterval time.Duration
	FirstFrameTimeout time.Duration
}

type Option func(*Server)

func WithStats(stats Stats) Option {
	return func(s *Server) { s.stats = stats }
}

// Server 每个连接一个读取协程, 同一连接上的请求按到达顺序处理
type Server struct {
	opts       Options
	codec      *codec.Codec
	dispatcher *handler.Dispatcher
	sessions   *session.Manager
	registry   *connection.Registry
	monitor    *connection.Monitor
	stats      Stats
	sem        chan struct{}

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func New(opts Options, c *codec.Codec, dispatcher *handler.Dispatcher, sessions *session.Manager,
	registry *connection.Registry, monitor *connection.Monitor, options ...Option) *Server {
	if opts.Version == "" {
		opts.Version = message.DefaultVersion
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = monitor.Interval()
	}
	if opts.Remote.Sys == "" {
		opts.Remote = message.Address{Sys: message.TICP}
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = time.Minute
	}
	s := &Server{
		opts:       opts,
		codec:      c,
		dispatcher: dispatcher,
		sessions:   sessions,
		registry:   registry,
		monitor:    monitor,
		stats:      nopStats{},
		sem:        make(chan struct{}, opts.MaxConnections),
	}
	for _, opt := range options {
		opt(s)
	}
	monitor.OnDisconnect(func(peerID string, reason connection.DisconnectReason) {
		s.dropPeer(peerID, reason)
	})
	return s
}

// ListenAndServe 阻塞直到 ctx 结束
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.InfoF("GA/T 1049 server listen on %s", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}
		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		select {
		case s.sem <- struct{}{}:
		default:
			logger.WarnF("[%s] Connection limit %d reached, rejecting", conn.RemoteAddr().String(), s.opts.MaxConnections)
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			newConnHandler(s, c).handleConnection(ctx)
		}(conn)
	}
}

// Addr 监听地址, 未启动时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Push 将推送报文投递到令牌对应的连接, 可作为订阅管理器的推送回调
func (s *Server) Push(token string, msg *message.Message) {
	if err := s.deliver(token, msg); err != nil {
		s.stats.PushDelivered(false)
		logger.WarnF("Push %s to token %s failed, details: %v", objectNames(msg), token, err)
		return
	}
	s.stats.PushDelivered(true)
}

func (s *Server) deliver(token string, msg *message.Message) error {
	sess := s.sessions.GetSession(token)
	if sess == nil {
		return ErrNoSession
	}
	if msg.To.Sys == "" {
		msg.To = message.Address{Sys: sess.SystemType}
	}
	if msg.From.Sys == "" {
		msg.From = s.opts.Local
	}
	data, err := s.encode(msg)
	if err != nil {
		return err
	}
	_, err = s.registry.SendToClient(sess.PeerAddr, data)
	return err
}

// Broadcast 向所有连接发送同一报文, 需要按会话填充目的地址时改用 Push
func (s *Server) Broadcast(msg *message.Message) (connection.BroadcastResult, error) {
	if msg.From.Sys == "" {
		msg.From = s.opts.Local
	}
	if msg.To.Sys == "" {
		msg.To = s.opts.Remote
	}
	data, err := s.encode(msg)
	if err != nil {
		return connection.BroadcastResult{}, err
	}
	return s.registry.Broadcast(data), nil
}

func (s *Server) encode(msg *message.Message) ([]byte, error) {
	if msg.Version == "" {
		msg.Version = s.opts.Version
	}
	s.codec.Stamp(msg)
	return s.codec.Encode(msg)
}

// dropPeer 心跳超时的连接被主动关闭, 正常关闭的连接无需处理
func (s *Server) dropPeer(peerID string, reason connection.DisconnectReason) bool {
	if reason != connection.HeartbeatLost {
		return false
	}
	peer, ok := s.registry.Get(peerID)
	if !ok {
		return false
	}
	logger.WarnF("[%s] Closing connection after heartbeat loss", peerID)
	_ = peer.Close()
	return true
}

func objectNames(msg *message.Message) []string {
	var names []string
	for _, op := range msg.Body {
		for _, d := range op.Data {
			names = append(names, d.Name())
		}
	}
	return names
}
