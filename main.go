package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"perpgate/internal/governor"
	"perpgate/internal/journal"
	logpkg "perpgate/internal/log"
	"perpgate/internal/market"
	"perpgate/internal/order"
	"perpgate/internal/position"
	"perpgate/internal/registry"
	"perpgate/internal/router"
	"perpgate/internal/stream"
	"perpgate/pkg/config"
	"perpgate/pkg/connector/mock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logpkg.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting gateway core",
		zap.String("journal", cfg.JournalPath),
		zap.Duration("gap_timeout", cfg.GapTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jw, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("journal open failed", zap.Error(err))
	}
	defer jw.Close()

	gov := governor.New(governor.Config{
		WaitCeiling:   cfg.AcquireWaitCeiling,
		MaxAttempts:   cfg.RetryMaxAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		DefaultLimits: governor.DefaultConfig().DefaultLimits,
	}, logger)
	for venue, limits := range cfg.VenueLimits {
		gov.DeclareLimits(venue, limits)
	}

	machine := order.NewMachine(order.Config{
		GapTimeout: cfg.GapTimeout,
		Retention:  cfg.OrderRetention,
	}, gov, jw, logger)

	reg := registry.New(logger)
	// Venue adapters register here. The mock venue ships in-tree; real
	// adapters are linked in the same way.
	reg.RegisterVenue("mock", mock.Factory("mock"))

	positions := position.NewCache(position.Config{Tolerance: cfg.PositionTolerance}, jw, logger)
	tickers := market.NewCache()

	rt := router.New(router.Config{
		Stream: stream.Config{
			ReconnectBase:    cfg.ReconnectBaseDelay,
			ReconnectMax:     cfg.ReconnectMaxDelay,
			SubscriberBuffer: cfg.SubscriberBuffer,
		},
	}, reg, gov, machine, positions, tickers, jw, logger)

	go machine.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	rt.Close()
	logger.Info("gateway core stopped")
}
