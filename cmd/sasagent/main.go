package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/mdedz/sasagent/internal/config"
	"github.com/mdedz/sasagent/internal/orchestrator"
	"github.com/mdedz/sasagent/internal/serialport"
	"github.com/mdedz/sasagent/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		log.Printf("config invalid: %v", err)
		os.Exit(2)
	}

	logger := slog.Default()

	remoteStore, err := store.OpenPostgresStore(cfg.Database.ConnectionString)
	if err != nil {
		logger.Error("failed to open remote store", "error", err)
		os.Exit(1)
	}
	defer remoteStore.Close()

	orch, err := orchestrator.New(cfg, remoteStore, openSerial, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sasagent starting", "serial_port", cfg.Serial.Port, "backend", cfg.Backend.WSServerURL)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("sasagent stopped")
}

func openSerial(ctx context.Context, sc config.SerialConfig) (serialport.Transport, error) {
	return serialport.OpenLinux(sc.Port, sc.BaudRate)
}
