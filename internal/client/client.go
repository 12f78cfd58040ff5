// Package client 实现 TCP 客户端引擎: 连接与重连状态机, 请求应答关联, 空闲心跳
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/connection"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/sequence"
)

var (
	ErrNotConnected   = errors.New("client is not connected")
	ErrDisconnected   = errors.New("connection closed before reply arrived")
	ErrRequestTimeout = errors.New("request timed out")
	ErrStopped        = errors.New("client is stopped")
)

// State 重连状态机状态
type State int

const (
	IDLE State = iota
	CONNECTING
	SCHEDULED
	STOPPED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case CONNECTING:
		return "CONNECTING"
	case SCHEDULED:
		return "SCHEDULED"
	case STOPPED:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Dialer net.Dialer 满足该接口, 测试中可替换为内存连接
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

type Options struct {
	Address              string
	Version              string
	Local                message.Address
	Remote               message.Address
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration // 0 关闭空闲心跳
	MaxReconnectAttempts int           // 0 不限次数
	Backoff              Backoff
	Dialer               Dialer
	OnAttempt            func(attempt int) // 每次调度重连时回调
}

type result struct {
	msg *message.Message
	err error
}

// Client 单连接客户端, 状态迁移由 mu 保护
type Client struct {
	opts       Options
	codec      *codec.Codec
	dispatcher *handler.Dispatcher

	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer
	link     *link

	pending  sync.Map // seq -> chan result
	inflight atomic.Int32

	auth authState

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options, dispatcher *handler.Dispatcher) *Client {
	if opts.Version == "" {
		opts.Version = message.DefaultVersion
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff(5 * time.Second)
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if dispatcher == nil {
		dispatcher = handler.NewDispatcher(opts.Version, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:       opts,
		codec:      codec.New(sequence.NewGenerator()),
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect 首次连接. 失败时转入重连调度而不返回错误
func (c *Client) Connect() error {
	c.mu.Lock()
	switch {
	case c.state == STOPPED:
		c.mu.Unlock()
		return ErrStopped
	case c.state != IDLE || c.link != nil:
		c.mu.Unlock()
		return nil
	}
	c.state = CONNECTING
	c.mu.Unlock()

	c.dial()
	return nil
}

// Reconnect 已有调度或连接中的尝试时返回 false; STOPPED 状态下重置计数后重新开始
func (c *Client) Reconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case SCHEDULED, CONNECTING:
		return false
	case STOPPED:
		logger.InfoF("[%s] Reconnect requested, leaving STOPPED state", c.opts.Address)
		c.state = IDLE
		c.attempts = 0
	}
	if c.link != nil {
		return false
	}
	c.scheduleLocked(0)
	return true
}

// StopReconnect 取消已调度的重连, 当前连接保持
func (c *Client) StopReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Disconnect 关闭连接并停止重连, 未完成的请求以 ErrDisconnected 失败
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopLocked()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		l.close()
		logger.InfoF("[%s] Client disconnected", c.opts.Address)
	}
	c.failPending(ErrDisconnected)
}

// Close 断开连接并释放后台任务
func (c *Client) Close() {
	c.Disconnect()
	c.cancel()
}

func (c *Client) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state != STOPPED {
		logger.InfoF("[%s] Reconnect stopped", c.opts.Address)
	}
	c.state = STOPPED
}

// scheduleLocked 仅在 IDLE 状态下调度, 达到最大次数后进入 STOPPED
func (c *Client) scheduleLocked(delay time.Duration) {
	if c.state != IDLE {
		return
	}
	if limit := c.opts.MaxReconnectAttempts; limit > 0 && c.attempts >= limit {
		logger.ErrorF("[%s] Reconnect gave up after %d attempts", c.opts.Address, c.attempts)
		c.state = STOPPED
		return
	}
	c.attempts++
	if delay < 0 {
		delay = c.opts.Backoff.Next(c.attempts)
	}
	c.state = SCHEDULED
	if c.opts.OnAttempt != nil {
		c.opts.OnAttempt(c.attempts)
	}
	logger.InfoF("[%s] Reconnect attempt %d scheduled in %s", c.opts.Address, c.attempts, delay)
	c.timer = time.AfterFunc(delay, c.attempt)
}

func (c *Client) attempt() {
	c.mu.Lock()
	if c.state != SCHEDULED {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = CONNECTING
	c.mu.Unlock()

	if c.dial() {
		go c.restore()
	}
}

// dial 在 CONNECTING 状态下调用, 返回是否建立了连接
func (c *Client) dial() bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	conn, err := c.opts.Dialer.DialContext(ctx, "tcp", c.opts.Address)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CONNECTING {
		if conn != nil {
			_ = conn.Close()
		}
		return false
	}
	if err != nil {
		logger.WarnF("[%s] Fail to connect, details: %v", c.opts.Address, err)
		c.state = IDLE
		c.scheduleLocked(-1)
		return false
	}

	c.attempts = 0
	c.state = IDLE
	c.link = newLink(conn)
	logger.InfoF("[%s] Connected to server", c.opts.Address)
	c.start(c.link)
	return true
}

func (c *Client) start(l *link) {
	go c.readLoop(l)
	go c.worker(l)
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(l)
	}
}

// onClosed 连接异常关闭时回调; 处于 IDLE 时调度重连
func (c *Client) onClosed(l *link) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.scheduleLocked(-1)
	c.mu.Unlock()
	c.failPending(ErrDisconnected)
}

func (c *Client) current() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// SendMessage 编码并写出报文, 缺少序号时自动生成
func (c *Client) SendMessage(msg *message.Message) error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	return c.write(l, msg)
}

func (c *Client) write(l *link, msg *message.Message) error {
	c.codec.Stamp(msg)
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return l.write(data)
}

// reply 应答无法编码时改为回复 ERROR
func (c *Client) reply(l *link, req, resp *message.Message) error {
	c.codec.Stamp(resp)
	data, err := c.codec.Encode(resp)
	if err != nil {
		logger.ErrorF("[%s] Reply for seq %s cannot be encoded, details: %v", l.id, req.Seq, err)
		if req.Type != message.REQUEST {
			return nil
		}
		fallback := message.NewErrorMessage(req, message.NewError(message.SDEFailure, "", "reply could not be encoded: %v", err))
		return c.write(l, fallback)
	}
	return l.write(data)
}

// SendRequest 发送请求并等待序号相同的 RESPONSE 或 ERROR. timeout 为 0 时使用默认值
func (c *Client) SendRequest(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	c.codec.Stamp(msg)
	seq := msg.Seq
	ch := make(chan result, 1)
	if _, loaded := c.pending.LoadOrStore(seq, ch); loaded {
		return nil, errors.New("duplicate pending seq " + seq)
	}
	c.inflight.Add(1)
	defer c.removePending(seq)

	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-timer.C:
		logger.WarnF("[%s] Request seq %s timed out after %s", c.opts.Address, seq, timeout)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingCount 等待应答的请求数量
func (c *Client) PendingCount() int {
	return int(c.inflight.Load())
}

func (c *Client) removePending(seq string) {
	if _, loaded := c.pending.LoadAndDelete(seq); loaded {
		c.inflight.Add(-1)
	}
}

func (c *Client) resolve(msg *message.Message) {
	value, ok := c.pending.LoadAndDelete(msg.Seq)
	if !ok {
		logger.DebugF("[%s] Late or unknown %s seq %s ignored", c.opts.Address, msg.Type, msg.Seq)
		return
	}
	c.inflight.Add(-1)
	value.(chan result) <- result{msg: msg}
}

func (c *Client) failPending(err error) {
	c.pending.Range(func(key, value any) bool {
		if _, loaded := c.pending.LoadAndDelete(key); loaded {
			c.inflight.Add(-1)
			value.(chan result) <- result{err: err}
		}
		return true
	})
}

func (c *Client) readLoop(l *link) {
	defer func() {
		l.close()
		c.onClosed(l)
	}()
	reader := codec.NewFrameReader(l.conn, codec.MaxFrameBytes)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			connection.HandleReadError(l.id, err)
			return
		}
		msg, err := c.codec.Decode(frame)
		if err != nil {
			c.rejectFrame(l, err)
			continue
		}
		if msg.Type.IsReply() {
			c.resolve(msg)
			continue
		}
		select {
		case l.inbound <- msg:
		case <-l.done:
			return
		}
	}
}

// rejectFrame 无法解析的 REQUEST 以 ERROR 应答, 其余只记录日志
func (c *Client) rejectFrame(l *link, err error) {
	logger.WarnF("[%s] Drop undecodable frame, details: %v", l.id, err)
	var decodeErr *codec.DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.Partial == nil || decodeErr.Partial.Type != message.REQUEST {
		return
	}
	reply := message.NewErrorMessage(decodeErr.Partial, decodeErr.ProtocolError())
	if reply.From.Sys == "" || !reply.From.Sys.Valid() {
		reply.From = c.opts.Local
	}
	if !reply.To.Sys.Valid() {
		reply.To = c.opts.Remote
	}
	if err := c.write(l, reply); err != nil {
		logger.WarnF("[%s] Fail to send error reply, details: %v", l.id, err)
	}
}

// worker 保证同一连接上的入站报文按到达顺序处理
func (c *Client) worker(l *link) {
	ctx := handler.WithPeer(c.ctx, l.id)
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.inbound:
			if msg.Token != "" {
				c.auth.observeToken(msg.Token)
			}
			resp := c.dispatcher.Dispatch(ctx, msg)
			if resp == nil {
				continue
			}
			if err := c.reply(l, msg, resp); err != nil {
				logger.WarnF("[%s] Fail to send reply for seq %s, details: %v", l.id, msg.Seq, err)
			}
		}
	}
}

// heartbeatLoop 连接在心跳间隔内没有任何写出时发送心跳
func (c *Client) heartbeatLoop(l *link) {
	interval := c.opts.HeartbeatInterval
	ticker := time.NewTicker(heartbeatPeriod(interval))
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			if now.Sub(l.lastWriteTime()) < interval {
				continue
			}
			hb := message.NewHeartbeat(c.opts.Version, c.opts.Local, c.opts.Remote, c.auth.currentToken())
			if err := c.write(l, hb); err != nil {
				logger.WarnF("[%s] Fail to send heartbeat, details: %v", l.id, err)
				continue
			}
			logger.DebugF("[%s] Heartbeat sent", l.id)
		}
	}
}

// heartbeatPeriod 检查周期为心跳间隔的一半, 至少 1ns
func heartbeatPeriod(interval time.Duration) time.Duration {
	return max(interval/2, time.Nanosecond)
}

// link 一次成功建立的连接
type link struct {
	conn      net.Conn
	id        string
	writeMu   sync.Mutex
	lastWrite atomic.Int64
	inbound   chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn net.Conn) *link {
	l := &link{
		conn:    conn,
		id:      conn.RemoteAddr().String(),
		inbound: make(chan *message.Message, 64),
		done:    make(chan struct{}),
	}
	l.lastWrite.Store(time.Now().UnixNano())
	return l
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	if err := codec.WriteFrame(l.conn, data); err != nil {
		return err
	}
	l.lastWrite.Store(time.Now().UnixNano())
	logger.DebugF("[%s] Send %d bytes to server", l.id, len(data))
	return nil
}

func (l *link) lastWriteTime() time.Time {
	return time.Unix(0, l.lastWrite.Load())
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if err := l.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", l.id, err)
		}
	})
}
