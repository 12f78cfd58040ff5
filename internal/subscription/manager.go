package subscription

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrNotSubscribable   = errors.New("only PUSH/Notify messages can be subscribed")
	ErrUnsupportedObject = errors.New("object is not supported")
)

// TokenValidator 订阅前校验令牌, 通常为 session.Manager
type TokenValidator interface {
	ValidateToken(token string) bool
}

// ObjectCatalog 业务层提供的可订阅对象集合
type ObjectCatalog interface {
	SupportsObject(objName string) bool
	SupportedObjects() []string
}

// StaticCatalog 固定对象列表
type StaticCatalog map[string]struct{}

func NewStaticCatalog(names ...string) StaticCatalog {
	c := make(StaticCatalog, len(names))
	for _, n := range names {
		c[n] = struct{}{}
	}
	return c
}

func (c StaticCatalog) SupportsObject(objName string) bool {
	_, ok := c[objName]
	return ok
}

func (c StaticCatalog) SupportedObjects() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PushFunc 推送回调, 由传输层负责把报文送达令牌对应的连接
type PushFunc func(token string, msg *message.Message)

type Option func(*Manager)

// WithOrigin 推送报文的协议版本与发送方地址
func WithOrigin(version string, from message.Address) Option {
	return func(m *Manager) {
		m.version = version
		m.from = from
	}
}

// WithMatchCache 匹配结果缓存大小与有效期
func WithMatchCache(size int, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = expirable.NewLRU[string, []string](size, nil, ttl)
	}
}

// Manager 订阅管理器
type Manager struct {
	subs      sync.Map // token -> *tokenSubscriptions
	validator TokenValidator
	catalog   ObjectCatalog

	pushMu sync.RWMutex
	push   PushFunc

	cacheMu    sync.Mutex
	cache      *expirable.LRU[string, []string]
	generation atomic.Uint64

	version string
	from    message.Address
}

func NewManager(validator TokenValidator, catalog ObjectCatalog, opts ...Option) *Manager {
	m := &Manager{
		validator: validator,
		catalog:   catalog,
		version:   message.DefaultVersion,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = expirable.NewLRU[string, []string](256, nil, time.Hour)
	}
	return m
}

func (m *Manager) SetPushHandler(push PushFunc) {
	m.pushMu.Lock()
	m.push = push
	m.pushMu.Unlock()
}

func (m *Manager) SupportsObject(objName string) bool {
	if m.catalog == nil {
		return objName != ""
	}
	return m.catalog.SupportsObject(objName)
}

func (m *Manager) SupportedObjects() []string {
	if m.catalog == nil {
		return nil
	}
	return m.catalog.SupportedObjects()
}

// Subscribe 重复订阅相同三元组不报错
func (m *Manager) Subscribe(token string, msgType message.MessageType, operName message.OperationName, objName string) error {
	if m.validator != nil && !m.validator.ValidateToken(token) {
		return ErrInvalidToken
	}
	if msgType != message.PUSH || operName != message.Notify {
		return ErrNotSubscribable
	}
	if objName != message.WildcardObject && !m.SupportsObject(objName) {
		return ErrUnsupportedObject
	}

	value, _ := m.subs.LoadOrStore(token, &tokenSubscriptions{entries: make(map[Entry]struct{})})
	if value.(*tokenSubscriptions).add(Entry{MsgType: msgType, OperName: operName, ObjName: objName}) {
		m.invalidate()
		logger.DebugF("Token %s subscribed %s/%s/%s", token, msgType, operName, objName)
	}
	return nil
}

// Unsubscribe 对象名为空或通配符时删除该 (报文类型, 操作名) 下的全部订阅
func (m *Manager) Unsubscribe(token string, msgType message.MessageType, operName message.OperationName, objName string) error {
	if m.validator != nil && !m.validator.ValidateToken(token) {
		return ErrInvalidToken
	}
	value, ok := m.subs.Load(token)
	if !ok {
		return nil
	}
	if removed := value.(*tokenSubscriptions).remove(Entry{MsgType: msgType, OperName: operName, ObjName: objName}); removed > 0 {
		m.invalidate()
		logger.DebugF("Token %s removed %d subscriptions of %s/%s/%s", token, removed, msgType, operName, objName)
	}
	return nil
}

// ClearSubscriptions 登出或会话过期时调用
func (m *Manager) ClearSubscriptions(token string) {
	if _, loaded := m.subs.LoadAndDelete(token); loaded {
		m.invalidate()
		logger.DebugF("Subscriptions of token %s cleared", token)
	}
}

// Subscriptions 返回令牌当前的订阅列表
func (m *Manager) Subscriptions(token string) []Entry {
	value, ok := m.subs.Load(token)
	if !ok {
		return nil
	}
	return value.(*tokenSubscriptions).list()
}

// Publish 向所有匹配的订阅者推送 PUSH/Notify, 返回推送数量
func (m *Manager) Publish(objName string, data ...message.DataObject) int {
	m.pushMu.RLock()
	push := m.push
	m.pushMu.RUnlock()
	if push == nil {
		logger.WarnF("Publish %s dropped, no push handler registered", objName)
		return 0
	}

	tokens := m.match(objName)
	for _, token := range tokens {
		push(token, &message.Message{
			Version: m.version,
			Token:   token,
			From:    m.from,
			Type:    message.PUSH,
			Body:    []message.Operation{message.NewOperation(1, message.Notify, data...)},
		})
	}
	return len(tokens)
}

// Subscribers 返回订阅了该对象的令牌
func (m *Manager) Subscribers(objName string) []string {
	return append([]string(nil), m.match(objName)...)
}

func (m *Manager) match(objName string) []string {
	if tokens, ok := m.cache.Get(objName); ok {
		return tokens
	}
	generation := m.generation.Load()
	tokens := make([]string, 0)
	m.subs.Range(func(key, value any) bool {
		if value.(*tokenSubscriptions).matches(objName) {
			tokens = append(tokens, key.(string))
		}
		return true
	})
	sort.Strings(tokens)
	m.storeMatch(objName, generation, tokens)
	return tokens
}

// storeMatch 结果计算期间订阅发生变化时不写入缓存. 校验与写入在 cacheMu 下完成,
// 与 invalidate 互斥
func (m *Manager) storeMatch(objName string, generation uint64, tokens []string) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.generation.Load() != generation {
		return false
	}
	m.cache.Add(objName, tokens)
	return true
}

func (m *Manager) invalidate() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.generation.Add(1)
	m.cache.Purge()
}
