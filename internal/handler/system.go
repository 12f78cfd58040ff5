package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/connection"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/session"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/subscription"
)

// SystemHandler 处理登录, 登出, 订阅, 取消订阅, 心跳以及系统对象的查询与设置
type SystemHandler struct {
	sessions      *session.Manager
	subscriptions *subscription.Manager
	monitor       *connection.Monitor

	mu         sync.RWMutex
	timeServer message.SDOTimeServer
}

func NewSystemHandler(sessions *session.Manager, subscriptions *subscription.Manager, monitor *connection.Monitor, timeServer message.SDOTimeServer) *SystemHandler {
	return &SystemHandler{
		sessions:      sessions,
		subscriptions: subscriptions,
		monitor:       monitor,
		timeServer:    timeServer,
	}
}

func (h *SystemHandler) Name() string {
	return "system"
}

func (h *SystemHandler) Supports(msg *message.Message) bool {
	op := msg.FirstOperation()
	if op == nil {
		return false
	}
	if msg.Type == message.PUSH {
		return msg.IsHeartbeat()
	}
	if msg.Type != message.REQUEST {
		return false
	}
	switch op.Name {
	case message.Login, message.Logout, message.Subscribe, message.Unsubscribe:
		return true
	case message.Get, message.Set:
		return len(op.Data) > 0 && allObjects(op.Data, message.ObjTimeOut, message.ObjTimeServer)
	}
	return false
}

func (h *SystemHandler) Handle(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if msg.Type == message.PUSH {
		h.heartbeat(ctx, msg)
		return nil, nil
	}
	if err := RequireToken(h.sessions, msg); err != nil {
		return nil, err
	}
	if err := requireSystemObjects(msg); err != nil {
		return nil, err
	}

	resp := message.NewResponse(msg)
	for _, op := range msg.Body {
		var (
			data []message.DataObject
			err  error
		)
		switch op.Name {
		case message.Login:
			data, err = h.login(ctx, msg, op, resp)
		case message.Logout:
			data, err = h.logout(msg, op)
		case message.Subscribe:
			data, err = h.subscribe(msg.Token, op, true)
		case message.Unsubscribe:
			data, err = h.subscribe(msg.Token, op, false)
		case message.Get:
			data, err = h.get(op)
		case message.Set:
			data, err = h.set(op)
		default:
			err = message.NewError(message.SDENotAllow, string(op.Name), "operation not supported by system handler")
		}
		if err != nil {
			return nil, err
		}
		resp.Body = append(resp.Body, message.NewOperation(op.Order, op.Name, data...))
	}
	return resp, nil
}

func (h *SystemHandler) TimeServer() message.SDOTimeServer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.timeServer
}

func (h *SystemHandler) heartbeat(ctx context.Context, msg *message.Message) {
	if msg.Token != "" {
		h.sessions.Heartbeat(msg.Token)
	}
	if peerID := PeerFrom(ctx); peerID != "" && h.monitor != nil {
		h.monitor.MarkHeartbeatReceived(peerID)
	}
}

func (h *SystemHandler) login(ctx context.Context, msg *message.Message, op message.Operation, resp *message.Message) ([]message.DataObject, error) {
	user, err := decodeUser(op)
	if err != nil {
		return nil, err
	}
	token, err := h.sessions.Login(PeerFrom(ctx), user.UserName, user.Pwd, msg.From.Sys)
	switch {
	case errors.Is(err, session.ErrUnknownUser):
		return nil, message.NewError(message.SDEUserName, message.ObjUser, "unknown user %s", user.UserName).Wrap(err)
	case errors.Is(err, session.ErrBadPassword):
		return nil, message.NewError(message.SDEPwd, message.ObjUser, "wrong password for user %s", user.UserName).Wrap(err)
	case err != nil:
		return nil, err
	}
	resp.Token = token
	return []message.DataObject{message.MustDataObject(message.SDOUser{UserName: user.UserName})}, nil
}

func (h *SystemHandler) logout(msg *message.Message, op message.Operation) ([]message.DataObject, error) {
	s := h.sessions.GetSession(msg.Token)
	if s == nil {
		return nil, message.NewError(message.SDEToken, "Token", "token is invalid or expired")
	}
	if obj, ok := op.Object(message.ObjUser); ok {
		var user message.SDOUser
		if err := obj.Decode(&user); err == nil && user.UserName != "" && user.UserName != s.UserName {
			return nil, message.NewError(message.SDEUserName, message.ObjUser, "token does not belong to user %s", user.UserName)
		}
	}
	h.subscriptions.ClearSubscriptions(msg.Token)
	h.sessions.Logout(msg.Token)
	return []message.DataObject{message.MustDataObject(message.SDOUser{UserName: s.UserName})}, nil
}

// subscribe 应答原样回显订阅对象
func (h *SystemHandler) subscribe(token string, op message.Operation, add bool) ([]message.DataObject, error) {
	var echoes []message.DataObject
	for _, obj := range op.Data {
		if obj.Name() != message.ObjMsgEntity {
			continue
		}
		var entity message.SDOMsgEntity
		if err := obj.Decode(&entity); err != nil {
			return nil, message.NewError(message.SDEFailure, message.ObjMsgEntity, "malformed subscription: %v", err).Wrap(err)
		}
		var err error
		if add {
			err = h.subscriptions.Subscribe(token, entity.MsgType, entity.OperName, entity.ObjName)
		} else {
			err = h.subscriptions.Unsubscribe(token, entity.MsgType, entity.OperName, entity.ObjName)
		}
		if err != nil {
			return nil, subscriptionError(entity, err)
		}
		echoes = append(echoes, message.MustDataObject(entity))
	}
	if len(echoes) == 0 {
		return nil, message.NewError(message.SDEFailure, message.ObjMsgEntity, "%s requires at least one %s", op.Name, message.ObjMsgEntity)
	}
	return echoes, nil
}

// requireSystemObjects 路由只看第一个操作, 后续的 Get/Set 也只能携带系统对象.
// 在执行任何操作之前整体校验
func requireSystemObjects(msg *message.Message) error {
	for _, op := range msg.Body {
		if op.Name != message.Get && op.Name != message.Set {
			continue
		}
		for _, obj := range op.Data {
			if obj.Name() != message.ObjTimeOut && obj.Name() != message.ObjTimeServer {
				return message.NewError(message.SDENotAllow, obj.Name(), "object %s cannot be used with %s of the system handler", obj.Name(), op.Name)
			}
		}
	}
	return nil
}

func (h *SystemHandler) get(op message.Operation) ([]message.DataObject, error) {
	var result []message.DataObject
	for _, obj := range op.Data {
		switch obj.Name() {
		case message.ObjTimeOut:
			seconds := int(h.sessions.Timeout() / time.Second)
			result = append(result, message.MustDataObject(message.SDOTimeOut{Time: seconds}))
		case message.ObjTimeServer:
			result = append(result, message.MustDataObject(h.TimeServer()))
		}
	}
	return result, nil
}

func (h *SystemHandler) set(op message.Operation) ([]message.DataObject, error) {
	for _, obj := range op.Data {
		switch obj.Name() {
		case message.ObjTimeOut:
			var timeout message.SDOTimeOut
			if err := obj.Decode(&timeout); err != nil || timeout.Time <= 0 {
				return nil, message.NewError(message.SDEFailure, message.ObjTimeOut, "timeout must be a positive number of seconds")
			}
			h.sessions.SetTimeout(time.Duration(timeout.Time) * time.Second)
			logger.InfoF("Session timeout set to %ds", timeout.Time)
		case message.ObjTimeServer:
			var ts message.SDOTimeServer
			if err := obj.Decode(&ts); err != nil || ts.Host == "" {
				return nil, message.NewError(message.SDEFailure, message.ObjTimeServer, "time server host is required")
			}
			h.mu.Lock()
			h.timeServer = ts
			h.mu.Unlock()
			logger.InfoF("Time server set to %s://%s:%d", ts.Protocol, ts.Host, ts.Port)
		}
	}
	return op.Data, nil
}

func decodeUser(op message.Operation) (message.SDOUser, error) {
	var user message.SDOUser
	obj, ok := op.Object(message.ObjUser)
	if !ok {
		return user, message.NewError(message.SDEUserName, message.ObjUser, "login requires %s", message.ObjUser)
	}
	if err := obj.Decode(&user); err != nil {
		return user, message.NewError(message.SDEUserName, message.ObjUser, "malformed %s: %v", message.ObjUser, err).Wrap(err)
	}
	return user, nil
}

func subscriptionError(entity message.SDOMsgEntity, err error) error {
	switch {
	case errors.Is(err, subscription.ErrInvalidToken):
		return message.NewError(message.SDEToken, "Token", "token is invalid or expired").Wrap(err)
	case errors.Is(err, subscription.ErrNotSubscribable):
		return message.NewError(message.SDEMsgType, message.ObjMsgEntity, "%s/%s cannot be subscribed", entity.MsgType, entity.OperName).Wrap(err)
	case errors.Is(err, subscription.ErrUnsupportedObject):
		return message.NewError(message.SDENotAllow, entity.ObjName, "object %s is not supported", entity.ObjName).Wrap(err)
	}
	return err
}

func allObjects(data []message.DataObject, names ...string) bool {
	for _, d := range data {
		found := false
		for _, name := range names {
			if d.Name() == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
