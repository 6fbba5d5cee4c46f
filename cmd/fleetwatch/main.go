package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/config"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/processor"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLEETWATCH_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := processor.New(cfg)

	// run processor in background
	go func() {
		if err := p.Run(ctx); err != nil {
			log.Error().Err(err).Msg("processor exited")
			cancel()
		}
	}()

	// wait for termination signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info().Msg("shutting down")
		cancel()
	case <-ctx.Done():
	}

	// give graceful shutdown some time
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("exited")
}
