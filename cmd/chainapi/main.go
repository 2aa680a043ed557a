// Package main is the entry point of chainapi. It wires the submitter, the
// HTTP API and the optional Kafka processor into the service registry, starts
// them in dependency order and shuts them down on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/chainapi/internal/api"
	"github.com/cmatc13/chainapi/internal/chain"
	"github.com/cmatc13/chainapi/internal/nonce"
	"github.com/cmatc13/chainapi/internal/processor"
	"github.com/cmatc13/chainapi/internal/signer"
	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/internal/tracker"
	"github.com/cmatc13/chainapi/pkg/config"
	"github.com/cmatc13/chainapi/pkg/health"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
	"github.com/cmatc13/chainapi/pkg/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chainapi: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("chainapi", pflag.ExitOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	opts := config.DefaultLoadOptions()
	opts.Flags = fs
	opts.ConfigFile, _ = fs.GetString("config")
	opts.EnvFile, _ = fs.GetString("env-file")

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	if cfg.Log.Environment != "" {
		logCfg.Environment = cfg.Log.Environment
	}
	logger := logging.New(logCfg)
	if opts.ConfigFile != "" {
		logger.Info("Configuration loaded", "file", opts.ConfigFile)
	}

	m := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: "chainapi",
	})
	uptimeDone := make(chan struct{})
	defer close(uptimeDone)
	m.RecordUptime(uptimeDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyring, err := signer.NewKeyring(cfg.Chain.SS58Prefix, cfg.Signers)
	if err != nil {
		return fmt.Errorf("failed to load signers: %w", err)
	}
	for _, name := range keyring.Names() {
		s, _ := keyring.Get(name)
		logger.Info("Loaded signer", "signer", name, "address", s.Address())
	}

	healthRegistry := health.NewRegistry(logger)

	var store nonce.Store = nonce.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisStore, err := nonce.NewRedisStore(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		store = redisStore
		healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, redisStore.Ping))
		logger.Info("Using Redis nonce store", "address", cfg.Redis.Address)
	}

	conns := chain.NewManager(cfg.Chain.Websocket, chain.DialWebsocket(logger), logger)
	healthRegistry.Register("chain", health.ChainChecker(cfg.Chain.Websocket, conns.Connected))

	tr := tracker.New(logger, tracker.WithRetention(cfg.Tracker.Retention))
	orchestrator := submitter.New(conns,
		nonce.NewSequencer(store, logger, nonce.WithMetrics(m)),
		tr, logger,
		submitter.WithMetrics(m),
		submitter.WithSubmitTimeout(cfg.Chain.SubmitTimeout),
	)

	registry := service.NewRegistry(logger)
	healthRegistry.Register("services", health.ServicesChecker(registry.HealthCheck))
	submitterService := submitter.NewService(orchestrator, submitter.ServiceConfig{
		SweepInterval: cfg.Tracker.SweepInterval,
		Reconnect:     cfg.Chain.Reconnect,
	}, logger)
	if err := registry.Register(submitterService); err != nil {
		return err
	}

	if cfg.Kafka.Enabled {
		proc, err := processor.NewKafka(cfg.Kafka, cfg.Processor.WaitTimeout, orchestrator, keyring, logger, m)
		if err != nil {
			return err
		}
		orchestrator.AddOutcomeSink(proc)
		healthRegistry.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, proc.Ping))
		if err := registry.Register(processor.NewService(proc)); err != nil {
			return err
		}
	}

	server := api.NewServer(cfg.API, cfg.Auth, orchestrator, keyring, healthRegistry, logger, m)
	if err := registry.Register(api.NewService(server, logger)); err != nil {
		return err
	}

	if err := registry.StartAll(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = registry.StopAll(stopCtx)
		return fmt.Errorf("failed to start services: %w", err)
	}
	logger.Info("All services started", "endpoint", cfg.Chain.Websocket, "port", cfg.API.Port)
	if !healthRegistry.IsHealthy(ctx) {
		logger.Warn("Some health checks fail after startup", "checks", healthRegistry.Names())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs

	logger.Info("Shutting down gracefully", "signal", sig.String())
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
