package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// Observer 每次分发结束后回调, code 为空表示成功
type Observer func(msgType message.MessageType, operName message.OperationName, code message.ErrorCode, elapsed time.Duration)

type DispatcherOption func(*Dispatcher)

func WithObserver(observer Observer) DispatcherOption {
	return func(d *Dispatcher) { d.observer = observer }
}

// Dispatcher 按注册顺序路由报文, 默认处理器总是最后被尝试
type Dispatcher struct {
	version  string
	mu       sync.RWMutex
	handlers []Handler
	fallback Handler
	observer Observer
}

// NewDispatcher version 为空时不校验协议版本
func NewDispatcher(version string, fallback Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{version: version, fallback: fallback}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register 按优先级顺序追加业务处理器
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	logger.DebugF("Handler %s registered", h.Name())
}

func (d *Dispatcher) Handlers() []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := append([]Handler(nil), d.handlers...)
	if d.fallback != nil {
		result = append(result, d.fallback)
	}
	return result
}

func (d *Dispatcher) route(msg *message.Message) Handler {
	for _, h := range d.Handlers() {
		if h.Supports(msg) {
			return h
		}
	}
	return nil
}

// Dispatch 只有 REQUEST 会产生应答, 其余类型的处理结果被丢弃
func (d *Dispatcher) Dispatch(ctx context.Context, msg *message.Message) (resp *message.Message) {
	start := time.Now()
	peerID := PeerFrom(ctx)
	var operName message.OperationName
	if op := msg.FirstOperation(); op != nil {
		operName = op.Name
	}
	var code message.ErrorCode
	defer func() {
		if d.observer != nil {
			d.observer(msg.Type, operName, code, time.Since(start))
		}
	}()

	if msg.Type.IsReply() {
		logger.DebugF("[%s] %s message seq %s has no pending request, dropped", peerID, msg.Type, msg.Seq)
		return nil
	}

	if d.version != "" && msg.Version != d.version {
		code = message.SDEVersion
		if msg.Type != message.REQUEST {
			logger.WarnF("[%s] %s message with version %s ignored", peerID, msg.Type, msg.Version)
			return nil
		}
		return message.NewErrorMessage(msg, message.NewError(message.SDEVersion, "Version", "unsupported version %s, expected %s", msg.Version, d.version))
	}

	h := d.route(msg)
	if h == nil {
		code = message.SDENotAllow
		if msg.Type != message.REQUEST {
			logger.DebugF("[%s] No handler for %s %s, ignored", peerID, msg.Type, operName)
			return nil
		}
		logger.WarnF("[%s] Unsupported operation %s", peerID, operName)
		return message.NewErrorMessage(msg, message.NewError(message.SDENotAllow, string(operName), "unsupported operation"))
	}

	reply, err := d.invoke(ctx, h, msg)
	if err != nil {
		protoErr := message.AsError(err)
		code = protoErr.Code
		if msg.Type != message.REQUEST {
			logger.WarnF("[%s] Handler %s failed on %s message, details: %v", peerID, h.Name(), msg.Type, err)
			return nil
		}
		logger.WarnF("[%s] Handler %s rejected %s, details: %v", peerID, h.Name(), operName, protoErr)
		return message.NewErrorMessage(msg, protoErr)
	}
	if msg.Type != message.REQUEST {
		if reply != nil {
			logger.WarnF("[%s] Handler %s replied to %s message, reply discarded", peerID, h.Name(), msg.Type)
		}
		return nil
	}
	if reply == nil {
		logger.WarnF("[%s] Handler %s returned no reply for REQUEST seq %s", peerID, h.Name(), msg.Seq)
	}
	return reply
}

// invoke 处理器 panic 转换为操作失败
func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Handler %s panicked: %v", PeerFrom(ctx), h.Name(), r)
			reply = nil
			err = message.NewError(message.SDEFailure, "", "operation failed: %v", r)
		}
	}()
	reply, err = h.Handle(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.Name(), err)
	}
	return reply, nil
}
