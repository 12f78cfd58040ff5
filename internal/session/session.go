// Package session 管理登录会话与令牌生命周期
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// Session 会话快照
type Session struct {
	Token        string
	UserName     string
	PeerAddr     string
	SystemType   message.SystemType
	CreateTime   time.Time
	LastActivity time.Time
}

// entry 存储在并发表中的会话, lastActivity 原子更新, 对端地址重复登录时可变
type entry struct {
	token        string
	userName     string
	systemType   message.SystemType
	createTime   time.Time
	lastActivity atomic.Int64

	mu       sync.RWMutex
	peerAddr string
}

func newEntry(token, userName, peerAddr string, systemType message.SystemType, now time.Time) *entry {
	e := &entry{
		token:      token,
		userName:   userName,
		systemType: systemType,
		createTime: now,
		peerAddr:   peerAddr,
	}
	e.lastActivity.Store(now.UnixNano())
	return e
}

func (e *entry) touch(now time.Time) {
	e.lastActivity.Store(now.UnixNano())
}

func (e *entry) lastActive() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

func (e *entry) expired(now time.Time, timeout time.Duration) bool {
	return e.lastActive().Add(timeout).Before(now)
}

func (e *entry) setPeer(peerAddr string) {
	e.mu.Lock()
	e.peerAddr = peerAddr
	e.mu.Unlock()
}

func (e *entry) snapshot() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Session{
		Token:        e.token,
		UserName:     e.userName,
		PeerAddr:     e.peerAddr,
		SystemType:   e.systemType,
		CreateTime:   e.createTime,
		LastActivity: e.lastActive(),
	}
}
