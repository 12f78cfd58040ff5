// Package connection 维护传输层连接的存活状态与服务端对端注册表
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
)

// MaxMissedHeartbeats 连续丢失心跳达到该次数即判定断开, 协议固定值
const MaxMissedHeartbeats = 3

// Status 连接状态快照
type Status struct {
	PeerID           string
	Connected        bool
	MissedHeartbeats int
	LastHeartbeat    time.Time
	RegisterTime     time.Time
}

// DisconnectReason 连接被判定断开的原因
type DisconnectReason int

const (
	HeartbeatLost DisconnectReason = iota // 连续丢失心跳
	Closed                                // 传输层已关闭
)

func (r DisconnectReason) String() string {
	switch r {
	case HeartbeatLost:
		return "heartbeat lost"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// DisconnectFunc 断开回调
type DisconnectFunc func(peerID string, reason DisconnectReason)

type record struct {
	mu     sync.Mutex
	status Status
}

// Monitor 连接存活监视器, 与会话无关, 未登录的连接同样被跟踪
type Monitor struct {
	records  sync.Map // peerID -> *record
	interval time.Duration
	now      func() time.Time

	listenerMu sync.RWMutex
	listeners  []DisconnectFunc
}

type MonitorOption func(*Monitor)

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m := &Monitor{interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// OnDisconnect 注册断开回调, 每次由连接变为断开时触发一次
func (m *Monitor) OnDisconnect(fn DisconnectFunc) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) Register(peerID string) {
	now := m.now()
	m.records.Store(peerID, &record{status: Status{
		PeerID:        peerID,
		Connected:     true,
		LastHeartbeat: now,
		RegisterTime:  now,
	}})
	logger.DebugF("[%s] Connection registered to monitor", peerID)
}

// MarkHeartbeatReceived 清零丢失计数. 已断开的记录会重新标记为已连接
func (m *Monitor) MarkHeartbeatReceived(peerID string) bool {
	r, ok := m.lookup(peerID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Connected {
		logger.InfoF("[%s] Heartbeat received, connection revived", peerID)
	}
	r.status.Connected = true
	r.status.MissedHeartbeats = 0
	r.status.LastHeartbeat = m.now()
	return true
}

// MarkClosed 传输层关闭时调用
func (m *Monitor) MarkClosed(peerID string) {
	r, ok := m.lookup(peerID)
	if !ok {
		return
	}
	r.mu.Lock()
	fire := r.status.Connected
	r.status.Connected = false
	r.mu.Unlock()
	if fire {
		m.notify(peerID, Closed)
	}
}

// Tick 检查所有连接, 返回本次新判定断开的连接
func (m *Monitor) Tick() []string {
	now := m.now()
	var disconnected []string
	m.records.Range(func(key, value any) bool {
		r := value.(*record)
		r.mu.Lock()
		if r.status.Connected && now.Sub(r.status.LastHeartbeat) >= m.interval {
			r.status.MissedHeartbeats++
			logger.DebugF("[%s] Heartbeat missed (%d/%d)", key, r.status.MissedHeartbeats, MaxMissedHeartbeats)
			if r.status.MissedHeartbeats >= MaxMissedHeartbeats {
				r.status.Connected = false
				disconnected = append(disconnected, key.(string))
			}
		}
		r.mu.Unlock()
		return true
	})
	for _, peerID := range disconnected {
		logger.WarnF("[%s] %d heartbeats missed, connection marked as disconnected", peerID, MaxMissedHeartbeats)
		m.notify(peerID, HeartbeatLost)
	}
	return disconnected
}

func (m *Monitor) Unregister(peerID string) {
	if _, loaded := m.records.LoadAndDelete(peerID); loaded {
		logger.DebugF("[%s] Connection removed from monitor", peerID)
	}
}

func (m *Monitor) Get(peerID string) (Status, bool) {
	r, ok := m.lookup(peerID)
	if !ok {
		return Status{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, true
}

func (m *Monitor) IsConnected(peerID string) bool {
	status, ok := m.Get(peerID)
	return ok && status.Connected
}

func (m *Monitor) Count() int {
	n := 0
	m.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run 按心跳间隔周期执行 Tick, 直到 ctx 结束
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

func (m *Monitor) lookup(peerID string) (*record, bool) {
	value, ok := m.records.Load(peerID)
	if !ok {
		return nil, false
	}
	return value.(*record), true
}

func (m *Monitor) notify(peerID string, reason DisconnectReason) {
	m.listenerMu.RLock()
	listeners := append([]DisconnectFunc{}, m.listeners...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(peerID, reason)
	}
}
