package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/cmd/search/app"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "no configuration file provided")
		flag.Usage()
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file %s: %s\n", configPath, err)
		os.Exit(1)
	}

	logger, err := app.NewLogger(config.Settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %s\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = app.Run(ctx, config, logger); err != nil {
		logger.Error("search failed", zap.Error(err))

		cancel()
		_ = logger.Sync()
		os.Exit(1)
	}
}
