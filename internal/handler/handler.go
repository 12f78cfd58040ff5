// Package handler 定义报文处理器接口, 分发器以及默认的系统操作处理器
package handler

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// Handler 业务层实现的报文处理器. Handle 返回 nil 报文表示不应答
type Handler interface {
	Name() string
	Supports(msg *message.Message) bool
	Handle(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// TokenValidator 令牌校验, 通常为 session.Manager
type TokenValidator interface {
	ValidateToken(token string) bool
}

type peerKey struct{}

// WithPeer 将对端标识放入上下文
func WithPeer(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerKey{}, peerID)
}

func PeerFrom(ctx context.Context) string {
	if peerID, ok := ctx.Value(peerKey{}).(string); ok {
		return peerID
	}
	return ""
}

// RequireToken 令牌校验, Login 操作免检
func RequireToken(validator TokenValidator, msg *message.Message) *message.Error {
	if op := msg.FirstOperation(); op != nil && op.Name == message.Login {
		return nil
	}
	if msg.Token == "" {
		return message.NewError(message.SDEToken, "Token", "token is required")
	}
	if !validator.ValidateToken(msg.Token) {
		return message.NewError(message.SDEToken, "Token", "token is invalid or expired")
	}
	return nil
}

// TokenGate 在委托给内部处理器前校验令牌
type TokenGate struct {
	Validator TokenValidator
	Next      Handler
}

func (g TokenGate) Name() string {
	return g.Next.Name()
}

func (g TokenGate) Supports(msg *message.Message) bool {
	return g.Next.Supports(msg)
}

func (g TokenGate) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := RequireToken(g.Validator, msg); err != nil {
		return nil, err
	}
	return g.Next.Handle(ctx, msg)
}

// Func 以函数形式构造处理器
type Func struct {
	HandlerName string
	Match       func(msg *message.Message) bool
	Fn          func(ctx context.Context, msg *message.Message) (*message.Message, error)
}

func (f Func) Name() string {
	return f.HandlerName
}

func (f Func) Supports(msg *message.Message) bool {
	return f.Match(msg)
}

func (f Func) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	return f.Fn(ctx, msg)
}

// ObjectMatcher 匹配首个操作携带指定对象的报文
func ObjectMatcher(msgType message.MessageType, operName message.OperationName, objNames ...string) func(*message.Message) bool {
	return func(msg *message.Message) bool {
		op := msg.FirstOperation()
		if msg.Type != msgType || op == nil || op.Name != operName {
			return false
		}
		for _, name := range objNames {
			if _, ok := op.Object(name); ok {
				return true
			}
		}
		return false
	}
}
