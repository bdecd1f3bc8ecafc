package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/server"
	"github.com/roman-kulish/pulsar-search/internal/storage"
)

// NewLogger builds a production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if lvl == zapcore.DebugLevel {
		cfg.Development = true
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return cfg.Build()
}

// Run searches every enabled beam until the sources end or ctx is done.
func Run(ctx context.Context, config *Config, logger *zap.Logger) (err error) {
	p := pool.New(
		pool.WithWorkers(config.Settings.Workers),
		pool.WithQueueSize(config.Settings.QueueSize),
		pool.WithAffinity(config.Settings.CPUs),
		pool.WithLogger(logger),
	)
	defer func() {
		err = multierr.Append(err, p.Close())
	}()

	store, err := storage.NewSQLStore(config.Storage, storage.WithLogger(logger.Named("storage")))
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	sessionID, err := store.CreateSession(ctx, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	logger.Info("session started", zap.String("session", sessionID), zap.Int("workers", p.Workers()))

	o := NewOrchestrator(store, p, sessionID, logger)
	for i := range config.Beams {
		if err = o.CreateBeam(&config.Beams[i], config.Dedispersion, config.Search); err != nil {
			return err
		}
	}

	var srvDone chan error
	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	if config.Server.Listen != "" {
		srv := server.New(config.Server.Listen, store, o.Beams(), server.WithLogger(logger))
		srvDone = make(chan error, 1)
		go func() {
			srvDone <- srv.Run(srvCtx)
		}()
	}

	err = o.Run(ctx)

	if srvDone != nil {
		// keep serving results until the process is asked to stop
		if err == nil && ctx.Err() == nil {
			logger.Info("search complete, API still serving", zap.String("addr", config.Server.Listen))
		}
		<-ctx.Done()
		stopServer()
		err = multierr.Append(err, <-srvDone)
	}

	logger.Info("session finished", zap.String("session", sessionID))
	return err
}
