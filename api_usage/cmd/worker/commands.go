package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/georgiangelov2000/payments-microservices/api_usage/internal/consumer"
	"github.com/georgiangelov2000/payments-microservices/api_usage/internal/recovery"
	"github.com/georgiangelov2000/payments-microservices/api_usage/internal/store"
	"github.com/georgiangelov2000/payments-microservices/pkg/config"
	"github.com/georgiangelov2000/payments-microservices/pkg/database"
	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/monitoring"
	"github.com/georgiangelov2000/payments-microservices/pkg/redis"
	"github.com/georgiangelov2000/payments-microservices/pkg/server"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
	"github.com/georgiangelov2000/payments-microservices/pkg/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Applies gateway usage events to the merchant store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), newLogger())
		},
	}
	root.AddCommand(newMigrateCmd(), newDrainCmd(), newVersionCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()
			db, err := database.Connect(cmd.Context(), database.ConfigFromEnv(), logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.ApplySchema(cmd.Context(), db, logger)
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Re-publish the usage fallback list once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			brokers, err := requireBrokers()
			if err != nil {
				return err
			}
			rdb, err := connectRedis(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()
			producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: brokers, ClientID: serviceName + "-recovery"}, logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			n, err := recovery.New(rdb, producer, recoveryConfig(), nil, logger).Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d fallback entries\n", n)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !asJSON {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", serviceName, version.Version, version.GetShortCommit())
				return nil
			}
			version.ComponentName = serviceName
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(version.GetInfo())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build information as JSON")
	return cmd
}

func newLogger() logging.Logger {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	version.ComponentName = serviceName
	return logger
}

func requireBrokers() ([]string, error) {
	brokers := config.GetEnvList("KAFKA_BROKERS", nil)
	if len(brokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	return brokers, nil
}

func connectRedis(ctx context.Context) (goredis.UniversalClient, error) {
	cfg, err := redis.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}
	return redis.NewUniversalClient(ctx, cfg)
}

func recoveryConfig() recovery.Config {
	return recovery.Config{
		Chunk:   int64(config.GetEnvInt("USAGE_RECOVERY_CHUNK", 100)),
		Retries: config.GetEnvInt("USAGE_RECOVERY_RETRIES", 2),
	}
}

// runWorker consumes usage events, drains the fallback list and serves
// /health and /metrics until ctx is cancelled or one of them fails.
func runWorker(ctx context.Context, logger logging.Logger) error {
	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting usage worker")

	brokers, err := requireBrokers()
	if err != nil {
		return err
	}
	dependencyTimeout := config.GetEnvDuration("DEPENDENCY_TIMEOUT", 2*time.Second)

	db, err := database.Connect(ctx, database.ConfigFromEnv(), logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if config.GetEnvBool("APPLY_SCHEMA", false) {
		if err := database.ApplySchema(ctx, db, logger); err != nil {
			return err
		}
	}

	rdb, err := connectRedis(ctx)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	groupID := config.GetEnv("USAGE_CONSUMER_GROUP", usage.ConsumerGroup)
	kafkaConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    brokers,
		GroupID:    groupID,
		ClientID:   serviceName,
		Topics:     []string{usage.Topic},
		Prefetch:   config.GetEnvInt("USAGE_PREFETCH", 1),
		RetryDelay: config.GetEnvDuration("USAGE_RETRY_DELAY", time.Second),
	}, logger)
	if err != nil {
		return err
	}
	kafkaConsumer.WithMetrics(metricsCollector.CreateKafkaMetrics())
	defer kafkaConsumer.Close()

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: serviceName + "-recovery",
	}, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	processor := newProcessor(db, rdb, kafkaConsumer, metricsCollector, logger)
	drainer := recovery.New(rdb, producer, recoveryConfig(),
		metricsCollector.NewCounter("usage_fallback_recovered_total", "Fallback entries handled by outcome", []string{"outcome"}), logger)

	healthChecker.AddCheck("redis", monitoring.PingHealthCheck("redis", monitoring.PingerFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}), dependencyTimeout))
	healthChecker.AddCheck("database", monitoring.PingHealthCheck("database", monitoring.PingerFunc(db.PingContext), dependencyTimeout))
	healthChecker.AddCheck("kafka", monitoring.PingHealthCheck("kafka", kafkaConsumer, dependencyTimeout))
	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)

	runCfg := consumer.RunConfig{
		Mode:          config.GetEnv("USAGE_APPLY_MODE", consumer.ModeMessage),
		FlushInterval: config.GetEnvDuration("USAGE_FLUSH_INTERVAL", 10*time.Second),
		BatchMax:      config.GetEnvInt("USAGE_BATCH_MAX", 500),
	}
	logger.WithFields(logging.Fields{
		"group": groupID,
		"mode":  runCfg.Mode,
	}).Info("Consuming usage events")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := consumer.Run(gctx, kafkaConsumer, processor, runCfg)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return drainer.Run(gctx, config.GetEnvDuration("USAGE_RECOVERY_INTERVAL", 30*time.Second))
	})
	g.Go(func() error {
		return server.Start(gctx, server.DefaultConfig(serviceName, "METRICS_PORT", "9090"), router, logger)
	})

	err = g.Wait()
	logger.Info("Usage worker stopped")
	return err
}

func newProcessor(db *sql.DB, rdb goredis.UniversalClient, dlq consumer.DeadLetterer, mc *monitoring.MetricsCollector, logger logging.Logger) *consumer.Processor {
	retry := consumer.DefaultRetryConfig()
	retry.MaxRetries = config.GetEnvInt("USAGE_APPLY_RETRIES", retry.MaxRetries)
	return consumer.NewProcessor(consumer.Config{
		Store:      store.New(db),
		Redis:      rdb,
		DeadLetter: dlq,
		DedupTTL:   config.GetEnvDuration("USAGE_DEDUP_TTL", time.Hour),
		Retry:      retry,
		Metrics: consumer.Metrics{
			Events:    mc.NewCounter("usage_events_total", "Usage events by outcome", []string{"status"}),
			Exhausted: mc.NewCounter("subscriptions_exhausted_total", "Subscriptions flipped to exhausted", nil),
			Apply:     mc.NewHistogram("usage_apply_duration_seconds", "Usage apply duration by mode", []string{"mode"}, nil),
		},
		Logger: logger,
	})
}
