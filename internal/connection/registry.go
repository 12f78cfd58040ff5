package connection

import (
	"errors"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPeerNotFound = errors.New("peer not registered")
	ErrPeerInactive = errors.New("peer connection is no longer active")
)

// DefaultBroadcastConcurrency 广播时同时发送的最大对端数
const DefaultBroadcastConcurrency = 64

// BroadcastResult 广播汇总, ID 列表按字典序排列
type BroadcastResult struct {
	Total      int
	Success    int
	Failed     int
	SuccessIDs []string
	FailedIDs  []string
}

// Registry 服务端对端注册表
type Registry struct {
	peers       sync.Map // peerID -> Peer
	concurrency int
}

func NewRegistry(concurrency int) *Registry {
	if concurrency <= 0 {
		concurrency = DefaultBroadcastConcurrency
	}
	return &Registry{concurrency: concurrency}
}

// Register 同一 peerID 重复注册时旧连接被关闭
func (r *Registry) Register(peerID string, peer Peer) {
	if old, loaded := r.peers.Swap(peerID, peer); loaded && old.(Peer) != peer {
		logger.WarnF("[%s] Peer registered again, closing previous connection", peerID)
		_ = old.(Peer).Close()
	}
	logger.InfoF("[%s] Client connected", peerID)
}

// Unregister 只移除仍指向给定连接的条目, peer 为 nil 时无条件移除
func (r *Registry) Unregister(peerID string, peer Peer) bool {
	var removed bool
	if peer == nil {
		_, removed = r.peers.LoadAndDelete(peerID)
	} else {
		removed = r.peers.CompareAndDelete(peerID, peer)
	}
	if removed {
		logger.InfoF("[%s] Client disconnected", peerID)
	}
	return removed
}

func (r *Registry) Get(peerID string) (Peer, bool) {
	if value, ok := r.peers.Load(peerID); ok {
		return value.(Peer), true
	}
	return nil, false
}

func (r *Registry) Count() int {
	n := 0
	r.peers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SendToClient 对端已失活时从注册表移除
func (r *Registry) SendToClient(peerID string, data []byte) (bool, error) {
	peer, ok := r.Get(peerID)
	if !ok {
		return false, ErrPeerNotFound
	}
	if !peer.IsActive() {
		r.Unregister(peerID, peer)
		return false, ErrPeerInactive
	}
	if err := peer.Send(data); err != nil {
		return false, err
	}
	return true, nil
}

// Broadcast 并发发送给所有对端并汇总结果
func (r *Registry) Broadcast(data []byte) BroadcastResult {
	type target struct {
		id   string
		peer Peer
	}
	var targets []target
	r.peers.Range(func(key, value any) bool {
		targets = append(targets, target{id: key.(string), peer: value.(Peer)})
		return true
	})

	results := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			if !t.peer.IsActive() {
				r.Unregister(t.id, t.peer)
				results[i] = ErrPeerInactive
				return nil
			}
			results[i] = t.peer.Send(data)
			return nil
		})
	}
	_ = g.Wait()

	result := BroadcastResult{Total: len(targets)}
	for i, t := range targets {
		if results[i] != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, t.id)
			continue
		}
		result.Success++
		result.SuccessIDs = append(result.SuccessIDs, t.id)
	}
	sort.Strings(result.SuccessIDs)
	sort.Strings(result.FailedIDs)
	if result.Failed > 0 {
		logger.WarnF("Broadcast to %d peers, %d failed: %v", result.Total, result.Failed, result.FailedIDs)
	}
	return result
}
