package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// authState 记住登录凭据与订阅, 用于重连后恢复会话
type authState struct {
	mu       sync.RWMutex
	userName string
	password string
	token    string
	entities []message.SDOMsgEntity
}

func (a *authState) currentToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// observeToken 服务端推送中携带的令牌, 仅在本地尚无令牌时采纳
func (a *authState) observeToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == "" {
		a.token = token
	}
}

func (a *authState) remember(entity message.SDOMsgEntity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entities {
		if e.MsgType == entity.MsgType && e.OperName == entity.OperName && e.ObjName == entity.ObjName {
			return
		}
	}
	a.entities = append(a.entities, entity)
}

func (a *authState) forget(entity message.SDOMsgEntity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.entities[:0]
	for _, e := range a.entities {
		sameKind := e.MsgType == entity.MsgType && e.OperName == entity.OperName
		if sameKind && (entity.ObjName == "" || entity.ObjName == message.WildcardObject || e.ObjName == entity.ObjName) {
			continue
		}
		kept = append(kept, e)
	}
	a.entities = kept
}

func (c *Client) Token() string {
	return c.auth.currentToken()
}

func (c *Client) request(token string, ops ...message.Operation) *message.Message {
	return message.NewRequest(c.opts.Version, c.opts.Local, c.opts.Remote, token, ops...)
}

// call 发送请求, ERROR 应答转换为 *message.Error
func (c *Client) call(ctx context.Context, req *message.Message) (*message.Message, error) {
	resp, err := c.SendRequest(ctx, req, 0)
	if err != nil {
		return nil, err
	}
	if detail, ok := resp.ErrorDetail(); ok {
		return nil, detail
	}
	return resp, nil
}

// Login 登录成功后记住凭据, 重连后自动重新登录
func (c *Client) Login(ctx context.Context, userName, password string) (string, error) {
	req := c.request("", message.NewOperation(1, message.Login,
		message.MustDataObject(message.SDOUser{UserName: userName, Pwd: password})))
	resp, err := c.call(ctx, req)
	if err != nil {
		return "", fmt.Errorf("login as %s: %w", userName, err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login as %s: server returned empty token", userName)
	}
	c.auth.mu.Lock()
	c.auth.userName = userName
	c.auth.password = password
	c.auth.token = resp.Token
	c.auth.mu.Unlock()
	logger.InfoF("[%s] Logged in as %s", c.opts.Address, userName)
	return resp.Token, nil
}

// Logout 无论服务端结果如何都清除本地会话状态
func (c *Client) Logout(ctx context.Context) error {
	c.auth.mu.Lock()
	token, userName := c.auth.token, c.auth.userName
	c.auth.token, c.auth.userName, c.auth.password = "", "", ""
	c.auth.entities = nil
	c.auth.mu.Unlock()
	if token == "" {
		return nil
	}
	req := c.request(token, message.NewOperation(1, message.Logout,
		message.MustDataObject(message.SDOUser{UserName: userName})))
	if _, err := c.call(ctx, req); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Subscribe 订阅 PUSH/Notify 对象
func (c *Client) Subscribe(ctx context.Context, objNames ...string) error {
	entities := notifyEntities(objNames)
	if err := c.subscription(ctx, message.Subscribe, entities); err != nil {
		return err
	}
	for _, e := range entities {
		c.auth.remember(e)
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, objNames ...string) error {
	entities := notifyEntities(objNames)
	if err := c.subscription(ctx, message.Unsubscribe, entities); err != nil {
		return err
	}
	for _, e := range entities {
		c.auth.forget(e)
	}
	return nil
}

func (c *Client) subscription(ctx context.Context, name message.OperationName, entities []message.SDOMsgEntity) error {
	if len(entities) == 0 {
		return errors.New("no object to " + string(name))
	}
	token := c.Token()
	if token == "" {
		return fmt.Errorf("%s: not logged in", name)
	}
	data := make([]message.DataObject, 0, len(entities))
	for _, e := range entities {
		data = append(data, message.MustDataObject(e))
	}
	if _, err := c.call(ctx, c.request(token, message.NewOperation(1, name, data...))); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// restore 重连成功后重新登录并恢复订阅
func (c *Client) restore() {
	c.auth.mu.RLock()
	userName, password := c.auth.userName, c.auth.password
	entities := append([]message.SDOMsgEntity(nil), c.auth.entities...)
	c.auth.mu.RUnlock()
	if userName == "" {
		return
	}

	if _, err := c.Login(c.ctx, userName, password); err != nil {
		logger.ErrorF("[%s] Fail to restore session after reconnect, details: %v", c.opts.Address, err)
		return
	}
	if len(entities) == 0 {
		return
	}
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.ObjName)
	}
	if err := c.Subscribe(c.ctx, names...); err != nil {
		logger.ErrorF("[%s] Fail to restore subscriptions after reconnect, details: %v", c.opts.Address, err)
		return
	}
	logger.InfoF("[%s] Session restored with %d subscriptions", c.opts.Address, len(names))
}

func notifyEntities(objNames []string) []message.SDOMsgEntity {
	entities := make([]message.SDOMsgEntity, 0, len(objNames))
	for _, name := range objNames {
		entities = append(entities, message.SDOMsgEntity{MsgType: message.PUSH, OperName: message.Notify, ObjName: name})
	}
	return entities
}
