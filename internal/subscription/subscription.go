// Package subscription 维护按令牌划分的订阅集合并负责推送分发
package subscription

import (
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// Entry 订阅三元组 (报文类型, 操作名, 对象名)
type Entry struct {
	MsgType  message.MessageType
	OperName message.OperationName
	ObjName  string
}

// Matches 对象名完全相同或订阅为通配符
func (e Entry) Matches(msgType message.MessageType, operName message.OperationName, objName string) bool {
	if e.MsgType != msgType || e.OperName != operName {
		return false
	}
	return e.ObjName == message.WildcardObject || e.ObjName == objName
}

func (e Entry) SDO() message.SDOMsgEntity {
	return message.SDOMsgEntity{MsgType: e.MsgType, OperName: e.OperName, ObjName: e.ObjName}
}

// tokenSubscriptions 单个令牌的订阅集合
type tokenSubscriptions struct {
	mu      sync.RWMutex
	entries map[Entry]struct{}
}

func (ts *tokenSubscriptions) add(entry Entry) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.entries[entry]; ok {
		return false
	}
	ts.entries[entry] = struct{}{}
	return true
}

func (ts *tokenSubscriptions) remove(entry Entry) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if entry.ObjName == "" || entry.ObjName == message.WildcardObject {
		removed := 0
		for e := range ts.entries {
			if e.MsgType == entry.MsgType && e.OperName == entry.OperName {
				delete(ts.entries, e)
				removed++
			}
		}
		return removed
	}
	if _, ok := ts.entries[entry]; !ok {
		return 0
	}
	delete(ts.entries, entry)
	return 1
}

func (ts *tokenSubscriptions) matches(objName string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for e := range ts.entries {
		if e.Matches(message.PUSH, message.Notify, objName) {
			return true
		}
	}
	return false
}

func (ts *tokenSubscriptions) list() []Entry {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	result := make([]Entry, 0, len(ts.entries))
	for e := range ts.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ObjName < result[j].ObjName })
	return result
}
