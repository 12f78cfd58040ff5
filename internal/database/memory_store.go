package database

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/session"
)

// MemoryStore 未配置 MongoDB 时使用的内存审计记录
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*SessionRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*SessionRecord), now: time.Now}
}

func (ms *MemoryStore) SaveSession(s *session.Session) error {
	if s.Token == "" {
		return ErrTokenEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records[s.Token] = NewSessionRecord(s)
	return nil
}

func (ms *MemoryStore) DeleteSession(token string, reason string) error {
	if token == "" {
		return ErrTokenEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	record, ok := ms.records[token]
	if !ok {
		return nil
	}
	ended := ms.now()
	record.EndedAt = &ended
	record.EndReason = reason
	return nil
}

// FindSession 返回记录副本, 不存在时返回 nil
func (ms *MemoryStore) FindSession(token string) *SessionRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.records[token]
	if !ok {
		return nil
	}
	copied := *record
	return &copied
}

func (ms *MemoryStore) ActiveCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	n := 0
	for _, r := range ms.records {
		if r.Active() {
			n++
		}
	}
	return n
}
