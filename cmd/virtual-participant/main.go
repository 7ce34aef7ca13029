package main

import (
	"context"
	"os"

	"github.com/LastBotInc/virtual-participant/internal/cli"
	"github.com/LastBotInc/virtual-participant/internal/config"
	"github.com/LastBotInc/virtual-participant/internal/logging"
)

func main() {
	defer logging.Shutdown(context.Background())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to load configuration: %v", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	if err := cli.NewRootCmd(&cli.Dependencies{Config: cfg}).Execute(); err != nil {
		logging.Fail(logging.CategoryApp, "virtual participant failed: %v", err)
		logging.Shutdown(context.Background())
		os.Exit(1)
	}

	logging.Info(logging.CategoryApp, "shutdown complete")
}
