// Command server runs the gateway: admission control, upstream
// forwarding, usage metering, and optionally the settlement engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/augustcredits/gateway/internal/api"
	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/config"
	"github.com/augustcredits/gateway/internal/gateway"
	"github.com/augustcredits/gateway/internal/observability"
	"github.com/augustcredits/gateway/internal/ratelimit"
	"github.com/augustcredits/gateway/internal/settlement"
	"github.com/augustcredits/gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var manager *config.Manager
	bootLogger := observability.NewLogger(observability.LoggerConfig{Level: "info", Format: "json"})

	if configPath != "" {
		var err error
		manager, err = config.NewManager(configPath, bootLogger)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		defer manager.Close()
		cfg = manager.Get()
	} else {
		cfg = config.DefaultConfig()
	}

	logger, logLevel := observability.NewDynamicLogger(observability.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	directory := store.NewCachedResourceDirectory(st, time.Minute)
	verifier := auth.NewVerifier(st, []byte(cfg.Auth.JWTSecret))

	window := time.Duration(cfg.RateLimit.DefaultWindowSeconds) * time.Second
	var limiter ratelimit.Limiter
	var sweeper *ratelimit.SlidingWindow
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, "ratelimit")
		logger.Info("rate limiter backend", slog.String("backend", "redis"), slog.String("addr", cfg.Redis.Addr))
	} else {
		sweeper = ratelimit.NewSlidingWindow(cfg.RateLimit.SweepInterval)
		sweeper.Start(window)
		defer sweeper.Stop()
		limiter = sweeper
		logger.Info("rate limiter backend", slog.String("backend", "memory"))
	}

	admission := gateway.NewAdmissionController(
		verifier, directory, st, limiter, window, cfg.RateLimit.FailOpen, logger)
	forwarder := gateway.NewForwarder(nil, gateway.ForwarderConfig{
		Timeout:        cfg.Forwarding.DefaultTimeout,
		RetryAttempts:  cfg.Forwarding.RetryAttempts,
		BaseRetryDelay: cfg.Forwarding.BaseRetryDelay,
		MaxBodyBytes:   cfg.Forwarding.MaxBodyBytes,
	}, logger)
	recorder := gateway.NewUsageRecorder(st, 5*time.Second, logger)
	defer recorder.Close()

	var engine *settlement.Engine
	if cfg.Settlement.Enabled {
		chain := settlement.NewRPCClient(cfg.Chain.RPCURL, 10*time.Second)
		executor := settlement.NewTransactionExecutor(chain, settlement.ExecutorConfig{
			RetryAttempts:  cfg.Chain.RetryAttempts,
			RetryDelay:     cfg.Chain.RetryDelay,
			PollInterval:   cfg.Chain.PollInterval,
			Confirmations:  cfg.Chain.Confirmations,
			ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		}, logger)
		engine = settlement.NewEngine(st, st, executor, settlement.EngineConfig{
			BatchSize: cfg.Settlement.BatchSize,
			Interval:  cfg.Settlement.Interval,
		}, logger)
		go engine.Start(ctx)
	}

	if manager != nil {
		// Reloads take effect at runtime for the log level and the
		// forwarding defaults; address and storage changes need a
		// restart.
		manager.OnChange(func(next *config.Config) {
			logLevel.Set(observability.ParseLevel(next.Logging.Level))
			forwarder.UpdateConfig(gateway.ForwarderConfig{
				Timeout:        next.Forwarding.DefaultTimeout,
				RetryAttempts:  next.Forwarding.RetryAttempts,
				BaseRetryDelay: next.Forwarding.BaseRetryDelay,
				MaxBodyBytes:   next.Forwarding.MaxBodyBytes,
			})
			logger.Info("applied reloaded config",
				slog.String("log_level", next.Logging.Level),
				slog.Duration("forwarding_timeout", next.Forwarding.DefaultTimeout))
		})
		if err := manager.Watch(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := manager.Reload(); err != nil {
						logger.Error("config reload rejected", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	server := api.NewServer(admission, forwarder, recorder, verifier, st, engine,
		tracing.Tracer(), cfg.Forwarding.MaxBodyBytes, logger)
	handler := server.Router(api.RouterConfig{
		MetricsEnabled:  cfg.Metrics.Enabled,
		IPRatePerSecond: float64(cfg.RateLimit.AnonymousRPM) / 60,
		IPBurst:         cfg.RateLimit.AnonymousBurst,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.Host == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
		cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode)
	st, err := store.NewPostgresStore(ctx, dsn, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("connected to postgres",
		slog.String("host", cfg.Database.Host),
		slog.String("database", cfg.Database.Database))
	return st, nil
}
