package app

import (
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/client"
	c "github.com/life-stream-dev/life-stream-go-gat1049/internal/config"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/utils"
)

// Backoff 根据配置选择重连间隔策略
func Backoff(config c.Config) client.Backoff {
	if config.Client.ReconnectPolicy == "random" {
		return client.RandomBackoff{
			Min: utils.MustParseStringTime(config.Client.ReconnectMinDelay, time.Second),
			Max: utils.MustParseStringTime(config.Client.ReconnectMaxDelay, time.Minute),
		}
	}
	return client.FixedBackoff(utils.MustParseStringTime(config.Client.ReconnectDelay, 5*time.Second))
}

// ClientOptions 客户端方向: 本端为配置中的 remote, 对端为 local. m 不为空时统计重连次数
func ClientOptions(config c.Config, m *metrics.Metrics) client.Options {
	opts := client.Options{
		Address:              fmt.Sprintf("%s:%d", config.Client.Host, config.Client.Port),
		Version:              config.Protocol.Version,
		Local:                Address(config.Protocol.Remote),
		Remote:               Address(config.Protocol.Local),
		ConnectTimeout:       utils.MustParseStringTime(config.Client.ConnectTimeout, 10*time.Second),
		RequestTimeout:       utils.MustParseStringTime(config.Client.RequestTimeout, 30*time.Second),
		HeartbeatInterval:    utils.MustParseStringTime(config.Client.HeartbeatInterval, time.Minute),
		MaxReconnectAttempts: config.Client.MaxReconnectAttempts,
		Backoff:              Backoff(config),
	}
	if m != nil {
		opts.OnAttempt = func(int) { m.ReconnectAttempted() }
	}
	return opts
}

func NewClient(config c.Config, dispatcher *handler.Dispatcher, m *metrics.Metrics) *client.Client {
	return client.New(ClientOptions(config, m), dispatcher)
}
