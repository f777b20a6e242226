package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharding-system/internal/server"
	"github.com/sharding-system/pkg/catalog"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/gstore"
	"github.com/sharding-system/pkg/lstore"
	"github.com/sharding-system/pkg/retry"
	"github.com/sharding-system/pkg/storeproto"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/manager.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	global, err := gstore.NewStore(ctx, cfg.Metadata.Endpoints, logger)
	if err != nil {
		logger.Fatal("failed to connect to global store", zap.Error(err))
	}

	local := lstore.NewStore(logger, cfg.Sharding.MaxConnections, cfg.Sharding.ConnectionTTL)

	protocol := storeproto.NewProtocol(global, local, retry.NewDefaultEngine())
	cat := catalog.New(protocol, logger, catalog.LoadLazy)

	srv, err := server.NewManagerServer(cfg, cat, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	srv.StartAsync()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}
