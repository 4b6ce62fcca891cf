package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/vdavid/mailsync/internal/app"
	"github.com/vdavid/mailsync/internal/config"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}

	server, err := app.New(cfg, st, logger, app.Options{})
	if err != nil {
		_ = st.Close()
		logger.Fatalf("Failed to build server: %v", err)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		logger.Errorf("Server stopped with error: %v", err)
		return
	}
	logger.Info("Server stopped")
}
