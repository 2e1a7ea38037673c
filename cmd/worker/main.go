// Command worker runs the settlement engine standalone, for
// deployments that keep billing off the serving path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/augustcredits/gateway/internal/config"
	"github.com/augustcredits/gateway/internal/observability"
	"github.com/augustcredits/gateway/internal/settlement"
	"github.com/augustcredits/gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	once := flag.Bool("once", false, "run a single settlement cycle and exit")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if cfg.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode)
	st, err := store.NewPostgresStore(ctx, dsn, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	chain := settlement.NewRPCClient(cfg.Chain.RPCURL, 10*time.Second)
	executor := settlement.NewTransactionExecutor(chain, settlement.ExecutorConfig{
		RetryAttempts:  cfg.Chain.RetryAttempts,
		RetryDelay:     cfg.Chain.RetryDelay,
		PollInterval:   cfg.Chain.PollInterval,
		Confirmations:  cfg.Chain.Confirmations,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	}, logger)
	engine := settlement.NewEngine(st, st, executor, settlement.EngineConfig{
		BatchSize: cfg.Settlement.BatchSize,
		Interval:  cfg.Settlement.Interval,
	}, logger)

	if once {
		summary, err := engine.RunCycle(ctx)
		if err != nil {
			return err
		}
		logger.Info("cycle complete",
			slog.Int("fetched", summary.Fetched),
			slog.Int("claimed", summary.Claimed),
			slog.Int("settled", summary.Settled),
			slog.Int("failed", summary.Failed))
		return nil
	}

	engine.Start(ctx)
	return nil
}
