package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tutorlink/chatkit/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer cancel()

	config, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	db, err := server.OpenDB(config.SQLite.File, config.SQLite.Migrations)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout,
		&slog.HandlerOptions{Level: slog.LevelInfo}))

	srv := server.New(config, db, server.WithServerLogger(logger))
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
