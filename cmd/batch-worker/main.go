package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/batchllm/internal/app"
	"github.com/ternarybob/batchllm/internal/common"
)

func main() {
	ctx := context.Background()
	configPath := os.Getenv("BATCHLLM_CONFIG")

	a, err := app.NewApp(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner("batch-worker", a.Config, a.Logger)

	if a.Engine == nil {
		a.Logger.Warn().Msg("starting with no engine configured, the worker will idle until engine.api_key is set")
	}

	w := a.NewWorker()
	w.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("shutdown signal received")

	w.Stop()
	a.Close()
	common.PrintShutdownBanner("batch-worker", a.Logger)
}
