package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carinho/integracoes/internal/api"
	"github.com/carinho/integracoes/internal/config"
	"github.com/carinho/integracoes/internal/deadletter"
	"github.com/carinho/integracoes/internal/delivery"
	"github.com/carinho/integracoes/internal/ingest"
	"github.com/carinho/integracoes/internal/mapping"
	"github.com/carinho/integracoes/internal/processor"
	"github.com/carinho/integracoes/internal/queue"
	"github.com/carinho/integracoes/internal/ratelimit"
	"github.com/carinho/integracoes/internal/registry"
	"github.com/carinho/integracoes/internal/storage"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "integracoes",
		Short: "Integration event bus: ingest, map and deliver events between systems",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(mappingCmd(&configPath))
	rootCmd.AddCommand(endpointCmd(&configPath))
	rootCmd.AddCommand(deadLetterCmd(&configPath))
	rootCmd.AddCommand(retryQueueCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API, the event processors and the retry poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			q, err := setupQueue(ctx, cfg.Queue, log)
			if err != nil {
				return fmt.Errorf("failed to setup queue: %w", err)
			}

			router := queue.RouterFromConfig(cfg.Queue.Routes)
			ingestSvc := ingest.NewService(store, q, router, log)
			mappings := mapping.NewService(store)
			reg := registry.New(store, log)
			engine := delivery.NewEngine(cfg.Delivery, store, log)
			limiter := ratelimit.New(store, cfg.RateLimit.PerMinute, cfg.RateLimit.Retention)

			pool := delivery.NewPool(engine, cfg.Delivery.Workers, cfg.Delivery.BatchSize, cfg.Delivery.PollInterval, log)
			pool.AddTask(pool.ReleaseExpiredTask(cfg.Delivery.Lease / 2))
			pool.AddTask(delivery.Task{
				Name:     "rate_limit_cleanup",
				Interval: cfg.RateLimit.CleanupInterval,
				Run: func(ctx context.Context) error {
					_, err := limiter.Cleanup(ctx)
					return err
				},
			})
			pool.AddTask(delivery.Task{
				Name:     "requeue_stale_events",
				Interval: cfg.Processor.StuckAfter,
				Run: func(ctx context.Context) error {
					_, err := ingestSvc.RequeueStale(ctx, cfg.Processor.StuckAfter, cfg.Delivery.BatchSize)
					return err
				},
			})
			pool.Start(ctx)

			workers := processor.NewWorkers(processor.New(store, mappings, reg, engine, cfg.Processor.StuckAfter, log), q, cfg.Processor.Workers, log)
			workers.Start(ctx)

			server := api.NewServer(cfg.Server, api.Services{
				Store:       store,
				Ingest:      ingestSvc,
				Registry:    reg,
				Mappings:    mappings,
				DeadLetters: deadletter.NewService(store, ingestSvc, log),
				Limiter:     limiter,
			}, log)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("delivery_workers", cfg.Delivery.Workers).
				Int("processor_workers", cfg.Processor.Workers).
				Str("storage", cfg.Storage.Driver).
				Str("queue", cfg.Queue.Driver).
				Msg("integracoes is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			cancel()
			q.Close()
			workers.Wait()
			pool.Stop()

			log.Info().Msg("integracoes stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("integracoes v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("storage.postgres.dsn is required")
		}
		log.Info().Msg("using Postgres storage")
		return storage.NewPostgres(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupQueue(ctx context.Context, cfg config.QueueConfig, log zerolog.Logger) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		log.Info().Int("size", cfg.Size).Msg("using in-memory job queue")
		return queue.NewMemory(cfg.Size), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info().Str("addr", opts.Addr).Str("group", cfg.Redis.Group).Msg("using Redis stream job queue")
		return queue.NewRedis(ctx, client, queue.RedisConfig{
			Prefix:   cfg.Redis.Prefix,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
			Block:    cfg.Redis.Block,
			MinIdle:  time.Minute,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, zerolog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, log, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, log, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, log, func() { store.Close() }, nil
}
