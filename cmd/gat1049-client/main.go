package main

import (
	"context"
	"flag"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/app"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/client"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/config"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/event"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/metrics"
)

// printPushes 记录收到的每个业务推送
func printPushes(_ context.Context, msg *message.Message) (*message.Message, error) {
	for _, op := range msg.Body {
		for _, obj := range op.Data {
			logger.InfoF("[%s] Push %s seq=%s: %s", msg.From.Sys, obj.Name(), msg.Seq, obj.Content)
		}
	}
	return nil, nil
}

func main() {
	configPath := flag.String("config", config.DefaultPath, "path of the configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	cleaner := event.NewCleaner(loggerCallback)

	dispatcher := handler.NewDispatcher(cfg.Protocol.Version, nil)
	dispatcher.Register(handler.Func{
		HandlerName: "print-push",
		Match: func(msg *message.Message) bool {
			return msg.Type == message.PUSH && !msg.IsHeartbeat()
		},
		Fn: printPushes,
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer, err := m.Serve(cfg.Metrics.Port)
		if err != nil {
			logger.ErrorF("Error occured while starting metrics server, details: %v", err)
			_ = cleaner.Clean()
			return
		}
		cleaner.Add(metricsServer)
	}

	c := app.NewClient(cfg, dispatcher, m)
	if m != nil {
		m.RegisterGauge("client", "pending_requests", "Requests waiting for a reply", c.PendingCount)
	}
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		if c.Token() != "" {
			if err := c.Logout(ctx); err != nil {
				logger.WarnF("Logout failed: %v", err)
			}
		}
		c.Close()
		return nil
	}))

	if err = c.Connect(); err != nil {
		logger.ErrorF("Connect failed: %v", err)
		_ = cleaner.Clean()
		return
	}

	ctx := context.Background()
	for !c.Connected() {
		if c.State() == client.STOPPED {
			logger.ErrorF("Gave up connecting to %s:%d", cfg.Client.Host, cfg.Client.Port)
			_ = cleaner.Clean()
			return
		}
		logger.InfoF("Waiting for connection, state %s", c.State())
		time.Sleep(time.Second)
	}
	if _, err = c.Login(ctx, cfg.Client.Username, cfg.Client.Password); err != nil {
		logger.ErrorF("Login failed [%s]: %v", client.ResultCode(err), err)
		_ = cleaner.Clean()
		return
	}
	subscriptions := cfg.Client.Subscriptions
	if len(subscriptions) == 0 {
		subscriptions = []string{message.WildcardObject}
	}
	if err = c.Subscribe(ctx, subscriptions...); err != nil {
		logger.ErrorF("Subscribe failed [%s]: %v", client.ResultCode(err), err)
	}
	_ = cleaner.WaitForSignal(ctx)
}
