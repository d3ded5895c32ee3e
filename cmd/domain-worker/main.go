package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"ms-ticket-commerce/internal/app"
	"ms-ticket-commerce/internal/config"
	"ms-ticket-commerce/internal/logger"
)

func main() {
	log := logger.NewLogger("ticket-commerce-worker")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", err.Error())
	}
	defer a.Close()

	a.RunBackground(ctx)
	log.Info("APP", "Domain worker started, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("APP", "Domain worker shutting down")
}
