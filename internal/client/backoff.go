package client

import (
	"math/rand/v2"
	"time"
)

// Backoff 计算第 attempt 次 (从 1 开始) 重连前的等待时间
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff 固定间隔重连
type FixedBackoff time.Duration

func (b FixedBackoff) Next(int) time.Duration {
	return time.Duration(b)
}

// RandomBackoff 在 [Min, Max] 区间内随机选择等待时间
type RandomBackoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultRandomBackoff 协议文本中约定的 1-60 秒随机重连间隔
var DefaultRandomBackoff = RandomBackoff{Min: time.Second, Max: time.Minute}

func (b RandomBackoff) Next(int) time.Duration {
	if b.Max <= b.Min {
		return b.Min
	}
	return b.Min + rand.N(b.Max-b.Min+1)
}
