package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/user/minivenue/internal/config"
	"github.com/user/minivenue/internal/database"
	"github.com/user/minivenue/internal/engine"
	"github.com/user/minivenue/internal/events"
	"github.com/user/minivenue/internal/feed"
	"github.com/user/minivenue/internal/gateway"
	"github.com/user/minivenue/internal/journal"
	"github.com/user/minivenue/internal/marketdata"
	"github.com/user/minivenue/internal/symbols"
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := newLogger()
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		return 1
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return 1
	}

	registry := symbols.NewRegistry()
	for _, sym := range cfg.Symbols {
		if err := registry.RegisterDashed(sym); err != nil {
			log.Error("invalid symbol in config", zap.String("symbol", sym), zap.Error(err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", zap.Error(err))
		return 1
	}
	defer pool.Close()
	log.Info("connected to database")

	balances := database.NewBalanceStore(pool, log)
	orders := database.NewOrderStore(pool)
	trades := database.NewTradeStore(pool)
	txns := database.NewTransactionStore(pool)

	jnl, err := journal.Open(cfg.JournalDir)
	if err != nil {
		log.Error("failed to open event journal", zap.Error(err))
		return 1
	}
	defer jnl.Close()

	pub := events.NewPublisher(log,
		events.WithQueueSize(cfg.ClientQueueSize),
		events.WithJournal(jnl),
	)
	go pub.Run(ctx)

	eng := engine.New(engine.Config{
		FeeRate:        cfg.FeeRate,
		FeeAccount:     cfg.FeeAccount,
		SlippageCap:    cfg.SlippageCap,
		QueueSize:      cfg.CommandQueueSize,
		CommandTimeout: cfg.CommandTimeout,
	}, log, registry, balances, orders, trades, pub)
	if err := eng.Start(ctx); err != nil {
		log.Error("failed to start matching engine", zap.Error(err))
		return 1
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	md := marketdata.NewCache(log, rdb)
	go md.Run(ctx, pub, symbolNames(registry))

	if len(cfg.KafkaBrokers) > 0 {
		producer := feed.NewProducer(cfg.KafkaBrokers, cfg.KafkaTradeTopic)
		defer producer.Close()
		bridge := feed.NewBridge(log, producer)
		go bridge.Run(ctx, pub, symbolNames(registry))
	}

	server := gateway.New(log, eng, registry, pub, jnl, md, orders, trades, balances, txns)
	serverErr := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		serverErr <- server.Listen(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-serverErr:
		log.Error("gateway failed", zap.Error(err))
	}

	// Drain order: stop the inbound surface, let the engine finish queued
	// commands, then cut the event fan-out.
	if err := server.Shutdown(); err != nil {
		log.Error("gateway shutdown failed", zap.Error(err))
	}
	eng.Stop()
	pub.Close()

	if eng.Halted() {
		log.Error("exiting after fatal invariant violation")
		return 2
	}
	return 0
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func symbolNames(registry *symbols.Registry) []string {
	pairs := registry.List()
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.Symbol
	}
	return names
}
