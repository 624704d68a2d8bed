package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/metaci/metaci/internal/config"
	"github.com/metaci/metaci/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	svc, err := server.New(cfg)
	if err != nil {
		log.Fatalf("wire service: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
