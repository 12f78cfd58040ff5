package client

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = message.Address{Sys: message.TICP}
	remote = message.Address{Sys: message.UTCS}
)

// pipeServer 在 net.Pipe 的另一端模拟服务端
type pipeServer struct {
	t      *testing.T
	conn   net.Conn
	codec  *codec.Codec
	frames chan *message.Message
}

func newPipeServer(t *testing.T, conn net.Conn) *pipeServer {
	s := &pipeServer{t: t, conn: conn, codec: codec.New(sequence.NewGenerator()), frames: make(chan *message.Message, 64)}
	go func() {
		reader := codec.NewFrameReader(conn, 0)
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				close(s.frames)
				return
			}
			msg, err := s.codec.Decode(frame)
			if err == nil {
				s.frames <- msg
			}
		}
	}()
	return s
}

func (s *pipeServer) next() *message.Message {
	s.t.Helper()
	select {
	case msg, ok := <-s.frames:
		require.True(s.t, ok, "connection closed")
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("no frame received")
		return nil
	}
}

func (s *pipeServer) send(msg *message.Message) {
	s.t.Helper()
	s.codec.Stamp(msg)
	data, err := s.codec.Encode(msg)
	require.NoError(s.t, err)
	require.NoError(s.t, codec.WriteFrame(s.conn, data))
}

// pipeDialer 每次拨号返回新的内存连接, fail 为真时拨号失败
type pipeDialer struct {
	mu      sync.Mutex
	fail    bool
	dials   atomic.Int32
	servers chan *pipeServer
	t       *testing.T
}

func newPipeDialer(t *testing.T) *pipeDialer {
	return &pipeDialer{t: t, servers: make(chan *pipeServer, 8)}
}

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	clientSide, serverSide := net.Pipe()
	d.servers <- newPipeServer(d.t, serverSide)
	return clientSide, nil
}

func (d *pipeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *pipeDialer) server() *pipeServer {
	d.t.Helper()
	select {
	case s := <-d.servers:
		return s
	case <-time.After(2 * time.Second):
		d.t.Fatal("client did not dial")
		return nil
	}
}

func newTestClient(t *testing.T, dialer Dialer, dispatcher *handler.Dispatcher, mutate func(*Options)) *Client {
	opts := Options{
		Address:        "pipe",
		Version:        "1.0",
		Local:          local,
		Remote:         remote,
		RequestTimeout: time.Second,
		Backoff:        FixedBackoff(time.Hour),
		Dialer:         dialer,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c := New(opts, dispatcher)
	t.Cleanup(c.Close)
	return c
}

func newRequest(op message.OperationName) *message.Message {
	return message.NewRequest("1.0", local, remote, "", message.NewOperation(1, op))
}

func TestSendRequestCorrelatesBySeq(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()
	require.True(t, c.Connected())
	assert.Equal(t, IDLE, c.State())

	type outcome struct {
		msg *message.Message
		err error
	}
	done := make(chan outcome, 1)
	req := newRequest(message.Get)
	go func() {
		msg, err := c.SendRequest(context.Background(), req, time.Second)
		done <- outcome{msg, err}
	}()

	got := srv.next()
	unrelated := message.NewResponse(got)
	unrelated.Seq = "20000101000000999999"
	srv.send(unrelated)
	srv.send(message.NewResponse(got))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, got.Seq, res.msg.Seq)
	assert.Equal(t, message.RESPONSE, res.msg.Type)
	assert.Equal(t, 0, c.PendingCount())
}

func TestSendRequestTimeoutIgnoresLateReply(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	req := newRequest(message.Get)
	start := time.Now()
	_, err := c.SendRequest(context.Background(), req, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, c.PendingCount())

	got := srv.next()
	srv.send(message.NewResponse(got))

	// 迟到的应答不影响后续请求
	done := make(chan *message.Message, 1)
	go func() {
		msg, _ := c.SendRequest(context.Background(), newRequest(message.Set), time.Second)
		done <- msg
	}()
	second := srv.next()
	srv.send(message.NewResponse(second))
	assert.Equal(t, second.Seq, (<-done).Seq)
}

func TestErrorReplyBecomesProtocolError(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	assert.Error(t, c.Subscribe(context.Background(), "CrossState"), "subscribe before login fails locally")

	go func() {
		got := srv.next()
		srv.send(message.NewErrorMessage(got, message.NewError(message.SDEPwd, message.ObjUser, "wrong password")))
	}()
	_, err := c.Login(context.Background(), "admin", "bad")
	var protoErr *message.Error
	require.True(t, errors.As(err, &protoErr), "unexpected error %v", err)
	assert.Equal(t, message.SDEPwd, protoErr.Code)
	assert.Empty(t, c.Token())
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), newRequest(message.Get), 5*time.Second)
		done <- err
	}()
	srv.next()
	c.Disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.Equal(t, STOPPED, c.State())
	assert.ErrorIs(t, c.SendMessage(newRequest(message.Get)), ErrNotConnected)
}

func TestServerCloseSchedulesReconnect(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, func(o *Options) { o.Backoff = FixedBackoff(10 * time.Millisecond) })
	require.NoError(t, c.Connect())
	first := dialer.server()

	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), newRequest(message.Get), 5*time.Second)
		done <- err
	}()
	first.next()
	require.NoError(t, first.conn.Close())
	assert.ErrorIs(t, <-done, ErrDisconnected)

	dialer.server()
	assert.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Equal(t, 0, c.Attempts())
}

func TestConnectFailureFallsBackToScheduler(t *testing.T) {
	dialer := newPipeDialer(t)
	dialer.setFail(true)
	c := newTestClient(t, dialer, nil, nil)

	require.NoError(t, c.Connect())
	assert.Equal(t, SCHEDULED, c.State())
	assert.Equal(t, 1, c.Attempts())

	assert.False(t, c.Reconnect(), "a scheduled attempt already exists")
	assert.NoError(t, c.Connect())
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, 1, c.Attempts())

	c.StopReconnect()
	assert.Equal(t, STOPPED, c.State())
	assert.ErrorIs(t, c.Connect(), ErrStopped)
}

func TestReconnectStopsAfterMaxAttempts(t *testing.T) {
	dialer := newPipeDialer(t)
	dialer.setFail(true)
	c := newTestClient(t, dialer, nil, func(o *Options) {
		o.Backoff = FixedBackoff(time.Millisecond)
		o.MaxReconnectAttempts = 3
	})

	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return c.State() == STOPPED }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load(), "no automatic attempt after STOPPED")

	dialer.setFail(false)
	assert.True(t, c.Reconnect())
	dialer.server()
	assert.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, IDLE, c.State())
	assert.Equal(t, 0, c.Attempts())
}

func TestConcurrentReconnectCreatesSingleAttempt(t *testing.T) {
	dialer := newPipeDialer(t)
	dialer.setFail(true)
	c := newTestClient(t, dialer, nil, nil)
	c.StopReconnect()

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Reconnect() {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Eventually(t, func() bool { return dialer.dials.Load() == 1 && c.State() == SCHEDULED }, 2*time.Second, 5*time.Millisecond)
}

func TestInboundRequestIsDispatched(t *testing.T) {
	dispatcher := handler.NewDispatcher("1.0", nil)
	var order []string
	var mu sync.Mutex
	dispatcher.Register(handler.Func{
		HandlerName: "get",
		Match:       func(msg *message.Message) bool { return msg.HasOperation(message.Get) || msg.HasOperation(message.Notify) },
		Fn: func(_ context.Context, msg *message.Message) (*message.Message, error) {
			mu.Lock()
			order = append(order, msg.Seq)
			mu.Unlock()
			if msg.Type == message.PUSH {
				return nil, nil
			}
			return message.NewResponse(msg, msg.Body...), nil
		},
	})

	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, dispatcher, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	push := message.NewRequest("1.0", remote, local, "", message.NewOperation(1, message.Notify))
	push.Type = message.PUSH
	push.Seq = "20240501100000000001"
	srv.send(push)

	req := message.NewRequest("1.0", remote, local, "", message.NewOperation(1, message.Get))
	req.Seq = "20240501100000000002"
	srv.send(req)

	unsupported := message.NewRequest("1.0", remote, local, "", message.NewOperation(1, message.Set))
	unsupported.Seq = "20240501100000000003"
	srv.send(unsupported)

	resp := srv.next()
	assert.Equal(t, message.RESPONSE, resp.Type)
	assert.Equal(t, req.Seq, resp.Seq)

	resp = srv.next()
	detail, ok := resp.ErrorDetail()
	require.True(t, ok)
	assert.Equal(t, message.SDENotAllow, detail.Code)

	mu.Lock()
	assert.Equal(t, []string{push.Seq, req.Seq}, order)
	mu.Unlock()
}

func TestMalformedRequestGetsErrorReply(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	raw := `<?xml version="1.0" encoding="UTF-8"?><Message><Version>1.0</Version><Token></Token>` +
		`<From><Sys>UTCS</Sys><SubSys></SubSys><Instance></Instance></From>` +
		`<To><Sys>TICP</Sys><SubSys></SubSys><Instance></Instance></To>` +
		`<Type>REQUEST</Type><Seq>20240501100000000009</Seq>` +
		`<Body><Operation order="1" name="Destroy"></Operation></Body></Message>`
	require.NoError(t, codec.WriteFrame(srv.conn, []byte(raw)))

	resp := srv.next()
	detail, ok := resp.ErrorDetail()
	require.True(t, ok)
	assert.Equal(t, message.SDEOperName, detail.Code)
	assert.Equal(t, "20240501100000000009", resp.Seq)
}

type bigObject struct {
	XMLName xml.Name `xml:"BigObject"`
	Payload string   `xml:"Payload"`
}

func TestUnencodableReplyBecomesErrorReply(t *testing.T) {
	dispatcher := handler.NewDispatcher("1.0", nil)
	dispatcher.Register(handler.Func{
		HandlerName: "faulty",
		Match:       func(msg *message.Message) bool { return msg.HasOperation(message.Get) },
		Fn: func(_ context.Context, msg *message.Message) (*message.Message, error) {
			switch msg.Seq {
			case "20240501100000000011":
				big := message.MustDataObject(bigObject{Payload: strings.Repeat("x", 120000)})
				return message.NewResponse(msg, message.NewOperation(1, message.Get, big)), nil
			case "20240501100000000012":
				return message.NewResponse(msg), nil
			}
			return message.NewResponse(msg, msg.Body...), nil
		},
	})

	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, dispatcher, nil)
	require.NoError(t, c.Connect())
	srv := dialer.server()

	for _, seq := range []string{"20240501100000000011", "20240501100000000012"} {
		req := message.NewRequest("1.0", remote, local, "", message.NewOperation(1, message.Get))
		req.Seq = seq
		srv.send(req)

		resp := srv.next()
		assert.Equal(t, seq, resp.Seq)
		detail, ok := resp.ErrorDetail()
		require.True(t, ok)
		assert.Equal(t, message.SDEFailure, detail.Code)
	}

	req := message.NewRequest("1.0", remote, local, "", message.NewOperation(1, message.Get))
	req.Seq = "20240501100000000013"
	srv.send(req)
	resp := srv.next()
	assert.Equal(t, message.RESPONSE, resp.Type)
	assert.Equal(t, req.Seq, resp.Seq)
	assert.True(t, c.Connected())
}

func TestHeartbeatPeriod(t *testing.T) {
	assert.Equal(t, 30*time.Second, heartbeatPeriod(time.Minute))
	assert.Equal(t, time.Nanosecond, heartbeatPeriod(time.Nanosecond))
	assert.NotPanics(t, func() { time.NewTicker(heartbeatPeriod(time.Nanosecond)).Stop() })
}

func TestOnAttemptReportsScheduledAttempts(t *testing.T) {
	dialer := newPipeDialer(t)
	dialer.setFail(true)
	var attempts []int
	var mu sync.Mutex
	c := newTestClient(t, dialer, nil, func(o *Options) {
		o.Backoff = FixedBackoff(time.Millisecond)
		o.MaxReconnectAttempts = 2
		o.OnAttempt = func(attempt int) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect())
	assert.Eventually(t, func() bool { return c.State() == STOPPED }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, attempts)
	mu.Unlock()
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, message.CodeSuccess, ResultCode(nil))
	assert.Equal(t, message.CodeTimeout, ResultCode(ErrRequestTimeout))
	assert.Equal(t, message.CodeTimeout, ResultCode(context.DeadlineExceeded))
	assert.Equal(t, message.CodeInvalidParam, ResultCode(message.NewError(message.SDEPwd, message.ObjUser, "wrong password")))
	assert.Equal(t, message.CodeSystemError, ResultCode(message.NewError(message.SDEFailure, "", "boom")))
	assert.Equal(t, message.CodeSystemError, ResultCode(ErrDisconnected))
}

func TestIdleHeartbeat(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, func(o *Options) { o.HeartbeatInterval = 20 * time.Millisecond })
	require.NoError(t, c.Connect())
	srv := dialer.server()

	hb := srv.next()
	assert.True(t, hb.IsHeartbeat())
	assert.NotEmpty(t, hb.Seq)
}

func TestLoginSubscribeAndRestore(t *testing.T) {
	dialer := newPipeDialer(t)
	c := newTestClient(t, dialer, nil, func(o *Options) { o.Backoff = FixedBackoff(10 * time.Millisecond) })
	require.NoError(t, c.Connect())
	srv := dialer.server()

	serve := func(s *pipeServer, token string) {
		login := s.next()
		require.True(t, login.HasOperation(message.Login))
		var user message.SDOUser
		require.NoError(t, login.Body[0].Data[0].Decode(&user))
		assert.Equal(t, "admin", user.UserName)
		resp := message.NewResponse(login, message.NewOperation(1, message.Login, message.MustDataObject(message.SDOUser{UserName: "admin"})))
		resp.Token = token
		s.send(resp)
	}

	go serve(srv, "token-1")
	token, err := c.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	go func() {
		sub := srv.next()
		assert.Equal(t, "token-1", sub.Token)
		srv.send(message.NewResponse(sub, sub.Body...))
	}()
	require.NoError(t, c.Subscribe(context.Background(), "CrossState"))

	require.NoError(t, srv.conn.Close())
	next := dialer.server()
	serve(next, "token-2")
	sub := next.next()
	assert.Equal(t, "token-2", sub.Token)
	assert.True(t, sub.HasOperation(message.Subscribe))
	next.send(message.NewResponse(sub, sub.Body...))
	assert.Eventually(t, func() bool { return c.Token() == "token-2" }, time.Second, 5*time.Millisecond)
}

func TestBackoffPolicies(t *testing.T) {
	assert.Equal(t, 5*time.Second, FixedBackoff(5*time.Second).Next(7))

	for i := 1; i < 200; i++ {
		d := DefaultRandomBackoff.Next(i)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, time.Minute)
	}
	assert.Equal(t, time.Second, RandomBackoff{Min: time.Second, Max: time.Second}.Next(1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "IDLE", IDLE.String())
	assert.Equal(t, "CONNECTING", CONNECTING.String())
	assert.Equal(t, "SCHEDULED", SCHEDULED.String())
	assert.Equal(t, "STOPPED", STOPPED.String())
}
