// Package database 将会话生命周期写入 MongoDB 作为审计记录
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-gat1049/internal/config"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const SessionCollectionName = "sessions"

// Database 持有 MongoDB 客户端与会话集合
type Database struct {
	client           *mongo.Client
	sessions         *mongo.Collection
	operationTimeout time.Duration
}

// Invoke 作为退出回调关闭连接
func (d *Database) Invoke(_ context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(context.Background(), d.operationTimeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

// Enabled 未配置主机时不启用数据库
func Enabled(config *c.Config) bool {
	return config.Database.Host != ""
}

func databaseURL(config *c.Config) string {
	// 编码特殊字符
	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	if encodedUser == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		config.Database.Host,
		config.Database.Port,
	)
}

func clientOptions(config *c.Config) *options.ClientOptions {
	clientOptions := options.Client().ApplyURI(databaseURL(config)).SetAppName(config.AppName)
	// 连接池配置
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(config.Database.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(config.Database.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(config.Database.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.MustParseStringTime(config.Database.Heartbeat, 10*time.Second))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s, reason %s", evt.Address, evt.Reason)
			}
		},
	})
	return clientOptions
}

// Connect 连接数据库并建立会话集合索引
func Connect(ctx context.Context, config *c.Config) (*Database, error) {
	logger.DebugF("Connecting to database...")
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(config))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	sessions := client.Database(config.Database.Database).Collection(SessionCollectionName)
	_, err = sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_token_unique"),
		},
		{
			Keys:    bson.D{{Key: "user_name", Value: 1}, {Key: "ended_at", Value: 1}},
			Options: options.Index().SetName("sessions_user_active"),
		},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Database connected, session audit enabled")
	return &Database{
		client:           client,
		sessions:         sessions,
		operationTimeout: utils.MustParseStringTime(config.Database.OperationTimeout, 5*time.Second),
	}, nil
}
