// Package app 根据配置组装服务端各组件
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/codec"
	c "github.com/life-stream-dev/life-stream-go-gat1049/internal/config"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/connection"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/database"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/event"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/handler"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/sequence"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/server"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/session"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/subscription"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/utils"
)

// Address 配置中的端点转为协议地址
func Address(e c.Endpoint) message.Address {
	return message.Address{Sys: message.SystemType(e.Sys), SubSys: e.SubSys, Instance: e.Instance}
}

// Authenticator 配置文件中的用户列表
func Authenticator(users []c.User) session.StaticAuthenticator {
	auth := make(session.StaticAuthenticator, len(users))
	for _, u := range users {
		auth[u.Username] = u.Password
	}
	return auth
}

// App 服务端组件集合, 业务层可以在 Run 之前向 Dispatcher 注册处理器
type App struct {
	config c.Config

	Sessions      *session.Manager
	Subscriptions *subscription.Manager
	Monitor       *connection.Monitor
	Registry      *connection.Registry
	Dispatcher    *handler.Dispatcher
	Server        *server.Server
	Metrics       *metrics.Metrics
	Store         session.Store

	cleaner *event.Cleaner
}

// New 组装组件, 退出时需要释放的资源注册到 cleaner
func New(ctx context.Context, config c.Config, cleaner *event.Cleaner) (*App, error) {
	a := &App{config: config, cleaner: cleaner}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	local := Address(config.Protocol.Local)
	heartbeat := utils.MustParseStringTime(config.Server.HeartbeatInterval, time.Minute)

	a.Sessions = session.NewManager(Authenticator(config.Users),
		utils.MustParseStringTime(config.Session.Timeout, session.DefaultTimeout),
		session.WithStore(store))
	a.Subscriptions = subscription.NewManager(a.Sessions,
		subscription.NewStaticCatalog(config.Protocol.SupportedObjects...),
		subscription.WithOrigin(config.Protocol.Version, local))
	a.Sessions.OnExpire(func(s *session.Session) {
		a.Subscriptions.ClearSubscriptions(s.Token)
	})
	a.Monitor = connection.NewMonitor(heartbeat)
	a.Registry = connection.NewRegistry(connection.DefaultBroadcastConcurrency)

	timeServer := message.SDOTimeServer{
		Host:     config.Protocol.TimeServer.Host,
		Protocol: config.Protocol.TimeServer.Protocol,
		Port:     config.Protocol.TimeServer.Port,
	}
	system := handler.NewSystemHandler(a.Sessions, a.Subscriptions, a.Monitor, timeServer)

	var dispatcherOptions []handler.DispatcherOption
	var serverOptions []server.Option
	if config.Metrics.Enabled {
		a.Metrics = metrics.New()
		a.Metrics.RegisterGauge("session", "active", "Number of active sessions", a.Sessions.Count)
		a.Metrics.RegisterGauge("server", "peers", "Number of registered peers", a.Registry.Count)
		a.Metrics.RegisterGauge("server", "monitored_peers", "Number of peers tracked by the heartbeat monitor", a.Monitor.Count)
		dispatcherOptions = append(dispatcherOptions, handler.WithObserver(a.Metrics.ObserveDispatch))
		serverOptions = append(serverOptions, server.WithStats(a.Metrics))
	}
	a.Dispatcher = handler.NewDispatcher(config.Protocol.Version, system, dispatcherOptions...)

	a.Server = server.New(server.Options{
		Address:           fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Version:           config.Protocol.Version,
		Local:             local,
		Remote:            Address(config.Protocol.Remote),
		MaxConnections:    config.Server.MaxConnections,
		HeartbeatInterval: heartbeat,
		FirstFrameTimeout: utils.MustParseStringTime(config.Server.FirstFrameTimeout, time.Minute),
	}, codec.New(sequence.NewGenerator()), a.Dispatcher, a.Sessions, a.Registry, a.Monitor, serverOptions...)
	a.Subscriptions.SetPushHandler(a.Server.Push)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (session.Store, error) {
	if !database.Enabled(&a.config) {
		logger.InfoF("Database not configured, session audit kept in memory")
		return database.NewMemoryStore(), nil
	}
	db, err := database.Connect(ctx, &a.config)
	if err != nil {
		return nil, err
	}
	a.cleaner.Add(db)
	if n, err := db.CloseDangling("restart"); err != nil {
		logger.WarnF("Fail to close dangling sessions, details: %v", err)
	} else if n > 0 {
		logger.InfoF("Closed %d sessions left open by the previous run", n)
	}
	return db, nil
}

// Run 启动后台任务并阻塞在 TCP 服务上, 直到 ctx 结束
func (a *App) Run(ctx context.Context) error {
	go a.Sessions.Run(ctx, utils.MustParseStringTime(a.config.Session.SweepInterval, 5*time.Minute))
	go a.Monitor.Run(ctx)

	if a.Metrics != nil {
		metricsServer, err := a.Metrics.Serve(a.config.Metrics.Port)
		if err != nil {
			return err
		}
		a.cleaner.Add(metricsServer)
	}

	if a.config.Nats.URL != "" {
		b, err := bridge.Connect(a.config.Nats.URL, a.config.Nats.Subject, a.Subscriptions)
		if err != nil {
			return err
		}
		a.cleaner.Add(b)
	}

	logger.InfoF("GA/T 1049 server starting on %s:%d as %s", a.config.Server.Host, a.config.Server.Port, a.config.Protocol.Local.Sys)
	return a.Server.ListenAndServe(ctx)
}
