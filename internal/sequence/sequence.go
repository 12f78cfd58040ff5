// Package sequence 生成协议报文序号: 14 位时间戳 + 6 位循环计数
package sequence

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	timeLayout = "20060102150405"
	counterMod = 1000000
)

// Generator 进程内序号生成器, 生命周期与引擎实例一致
type Generator struct {
	counter atomic.Uint64
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock 测试中注入固定时钟
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next 同一秒内按字典序递增
func (g *Generator) Next() string {
	n := g.counter.Add(1) % counterMod
	return fmt.Sprintf("%s%06d", g.now().Format(timeLayout), n)
}
