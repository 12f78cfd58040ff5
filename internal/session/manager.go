package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// DefaultTimeout 无活动会话的默认过期时间
const DefaultTimeout = 30 * time.Minute

var ErrInvalidToken = errors.New("invalid or expired token")

// Store 会话审计持久化, 可选
type Store interface {
	SaveSession(session *Session) error
	DeleteSession(token string, reason string) error
}

type Option func(*Manager)

func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager 会话管理器, 每个用户最多一个有效会话
type Manager struct {
	sessions sync.Map // token -> *entry
	users    sync.Map // userName -> token
	timeout  atomic.Int64
	auth     Authenticator
	store    Store
	now      func() time.Time

	listenerMu      sync.RWMutex
	expireListeners []func(*Session)
}

func NewManager(auth Authenticator, timeout time.Duration, opts ...Option) *Manager {
	if auth == nil {
		auth = StaticAuthenticator{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{auth: auth, now: time.Now}
	m.timeout.Store(int64(timeout))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

func (m *Manager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		m.timeout.Store(int64(timeout))
	}
}

// OnExpire 注册会话过期回调 (不包括主动登出)
func (m *Manager) OnExpire(fn func(*Session)) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.expireListeners = append(m.expireListeners, fn)
}

// Login 校验凭据并返回令牌. 同一用户已有未过期会话时返回原令牌并更新对端地址
func (m *Manager) Login(peerAddr, userName, password string, systemType message.SystemType) (string, error) {
	if err := m.auth.Authenticate(userName, password); err != nil {
		logger.WarnF("[%s] Login rejected for user %q: %v", peerAddr, userName, err)
		return "", err
	}

	now := m.now()
	for {
		if value, ok := m.users.Load(userName); ok {
			token := value.(string)
			if e, ok := m.lookup(token); ok && !e.expired(now, m.Timeout()) {
				e.touch(now)
				e.setPeer(peerAddr)
				logger.InfoF("[%s] User %s reuses existing session", peerAddr, userName)
				return token, nil
			}
			m.expire(userName, token)
			continue
		}

		e := newEntry(uuid.NewString(), userName, peerAddr, systemType, now)
		m.sessions.Store(e.token, e)
		if _, loaded := m.users.LoadOrStore(userName, e.token); loaded {
			m.sessions.Delete(e.token)
			continue
		}

		logger.InfoF("[%s] User %s logged in, system type %s", peerAddr, userName, systemType)
		m.persist(e.snapshot())
		return e.token, nil
	}
}

// ValidateToken 令牌有效时刷新活动时间
func (m *Manager) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	e, ok := m.lookup(token)
	if !ok {
		return false
	}
	now := m.now()
	if e.expired(now, m.Timeout()) {
		m.expire(e.userName, token)
		return false
	}
	e.touch(now)
	return true
}

func (m *Manager) Heartbeat(token string) {
	_ = m.ValidateToken(token)
}

// Logout 令牌不存在时返回 false
func (m *Manager) Logout(token string) bool {
	e, ok := m.lookup(token)
	if !ok {
		return false
	}
	m.users.CompareAndDelete(e.userName, token)
	if _, loaded := m.sessions.LoadAndDelete(token); !loaded {
		return false
	}
	logger.InfoF("[%s] User %s logged out", e.snapshot().PeerAddr, e.userName)
	m.forget(token, "logout")
	return true
}

// GetSession 令牌无效或已过期时返回 nil
func (m *Manager) GetSession(token string) *Session {
	e, ok := m.lookup(token)
	if !ok || e.expired(m.now(), m.Timeout()) {
		return nil
	}
	return e.snapshot()
}

func (m *Manager) Count() int {
	n := 0
	m.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep 清理所有过期会话, 返回清理数量
func (m *Manager) Sweep() int {
	now := m.now()
	timeout := m.Timeout()
	evicted := 0
	m.sessions.Range(func(key, value any) bool {
		e := value.(*entry)
		if e.expired(now, timeout) && m.expire(e.userName, key.(string)) {
			evicted++
		}
		return true
	})
	if evicted > 0 {
		logger.InfoF("Session sweep evicted %d expired sessions", evicted)
	}
	return evicted
}

// Run 周期性清理过期会话, 直到 ctx 结束
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) lookup(token string) (*entry, bool) {
	value, ok := m.sessions.Load(token)
	if !ok {
		return nil, false
	}
	return value.(*entry), true
}

// expire 只有真正删除会话的调用者负责通知
func (m *Manager) expire(userName, token string) bool {
	m.users.CompareAndDelete(userName, token)
	value, loaded := m.sessions.LoadAndDelete(token)
	if !loaded {
		return false
	}
	snapshot := value.(*entry).snapshot()
	logger.InfoF("[%s] Session of user %s expired", snapshot.PeerAddr, userName)

	m.listenerMu.RLock()
	listeners := append([]func(*Session){}, m.expireListeners...)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
	m.forget(token, "expired")
	return true
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	go func() {
		if err := m.store.SaveSession(s); err != nil {
			logger.WarnF("Fail to persist session of user %s, details: %v", s.UserName, err)
		}
	}()
}

func (m *Manager) forget(token, reason string) {
	if m.store == nil {
		return
	}
	go func() {
		if err := m.store.DeleteSession(token, reason); err != nil {
			logger.WarnF("Fail to record session end, details: %v", err)
		}
	}()
}
