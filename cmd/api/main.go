package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"promptforge/app"

	"go.uber.org/zap"
)

func main() {
	a, err := app.Boot()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	logger := a.Logger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.RunAPI(ctx, a.Service()); err != nil {
		logger.Error("❌ API server failed", zap.String("service", a.Service()), zap.Error(err))
		stop()
		os.Exit(1)
	}
}
