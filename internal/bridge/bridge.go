// Package bridge 将 NATS 上的业务数据转为订阅推送
//
// 主题最后一段为对象名, 例如 gat1049.publish.CrossState;
// 消息体为一个或多个 XML 元素, 每个元素作为一个数据对象推送.
package bridge

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/nats-io/nats.go"
)

var (
	ErrEmptyObjectName = errors.New("subject carries no object name")
	ErrSystemObject    = errors.New("system objects cannot be published")
)

// Publisher 由订阅管理器实现
type Publisher interface {
	Publish(objName string, data ...message.DataObject) int
}

type Bridge struct {
	conn      *nats.Conn
	publisher Publisher
}

// Connect 连接 NATS 并订阅 subject
func Connect(url, subject string, publisher Publisher) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("gat1049-bridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnF("[nats] Disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoF("[nats] Reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fail to connect nats %s: %w", url, err)
	}
	b := &Bridge{conn: conn, publisher: publisher}
	if _, err = conn.Subscribe(subject, b.handle); err != nil {
		conn.Close()
		return nil, fmt.Errorf("fail to subscribe %s: %w", subject, err)
	}
	logger.InfoF("[nats] Bridging subject %s to subscription pushes", subject)
	return b, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	objName, data, err := Parse(msg.Subject, msg.Data)
	if err != nil {
		logger.WarnF("[nats] Drop message on %s: %v", msg.Subject, err)
		b.reply(msg, "error: "+err.Error())
		return
	}
	notified := b.publisher.Publish(objName, data...)
	logger.DebugF("[nats] %s published to %d subscribers", objName, notified)
	b.reply(msg, strconv.Itoa(notified))
}

// reply 请求方带回复主题时返回推送数量或错误
func (b *Bridge) reply(msg *nats.Msg, body string) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond([]byte(body)); err != nil {
		logger.WarnF("[nats] Fail to reply %s: %v", msg.Reply, err)
	}
}

// Parse 从主题取对象名, 从消息体解析数据对象
func Parse(subject string, payload []byte) (string, []message.DataObject, error) {
	objName := subject[strings.LastIndexByte(subject, '.')+1:]
	if objName == "" || objName == message.WildcardObject {
		return "", nil, ErrEmptyObjectName
	}
	if message.IsSystemObject(objName) {
		return "", nil, fmt.Errorf("%w: %s", ErrSystemObject, objName)
	}

	var objects []message.DataObject
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("invalid payload: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		var obj message.DataObject
		if err = decoder.DecodeElement(&obj, &start); err != nil {
			return "", nil, fmt.Errorf("invalid data object %s: %w", start.Name.Local, err)
		}
		objects = append(objects, obj)
	}
	return objName, objects, nil
}

// Invoke 作为退出回调排空订阅并关闭连接
func (b *Bridge) Invoke(_ context.Context) error {
	logger.InfoF("[nats] Closing bridge")
	return b.conn.Drain()
}
