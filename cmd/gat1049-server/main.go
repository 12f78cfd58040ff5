package main

import (
	"context"
	"flag"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/app"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/config"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/event"
	"github.com/life-stream-dev/life-stream-go-gat1049/internal/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path of the configuration file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancel()
		return nil
	}))

	application, err := app.New(ctx, cfg, cleaner)
	if err != nil {
		logger.ErrorF("Error occured while initializing server, details: %v", err)
		_ = cleaner.Clean()
		return
	}

	// TCP 服务退出时同样触发清理
	go func() {
		if err := application.Run(ctx); err != nil {
			logger.ErrorF("Server stopped, details: %v", err)
		}
		cancel()
	}()
	_ = cleaner.WaitForSignal(ctx)
}
