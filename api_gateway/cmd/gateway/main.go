package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/auth"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/breaker"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/credcache"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/handlers"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/proxy"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/publisher"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/quota"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/store"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/webhooks"
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

const serviceName = "gateway"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	version.ComponentName = serviceName

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting payments gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paymentsURL := config.RequireEnv("PAYMENTS_URL")
	webhookURL := config.RequireEnv("WEBHOOK_URL")
	webhookSecret := config.RequireEnv("INTERNAL_WEBHOOK_SECRET")
	dependencyTimeout := config.GetEnvDuration("DEPENDENCY_TIMEOUT", 2*time.Second)
	proxyTimeout := config.GetEnvDuration("PROXY_TIMEOUT", 3*time.Second)
	maxBodyBytes := int64(config.GetEnvInt("MAX_BODY_BYTES", 256<<10))

	db, err := database.Connect(ctx, database.ConfigFromEnv(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	redisCfg, err := redis.ConfigFromEnv()
	if err != nil {
		logger.WithError(err).Fatal("Invalid redis configuration")
	}
	rdb, err := redis.NewUniversalClient(ctx, redisCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer rdb.Close()

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	// A gateway without brokers still meters: every event goes to the fallback list.
	var producer publisher.Producer
	if brokers := config.GetEnvList("KAFKA_BROKERS", nil); len(brokers) > 0 {
		p, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:        brokers,
			ClientID:       serviceName,
			ProduceTimeout: config.GetEnvDuration("KAFKA_PRODUCE_TIMEOUT", 10*time.Second),
			MaxBuffered:    config.GetEnvInt("KAFKA_MAX_BUFFERED", 10000),
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create kafka producer")
		}
		defer p.Close()
		producer = p
	} else {
		logger.Warn("KAFKA_BROKERS not set; usage events go to the fallback list only")
	}

	usagePublisher := publisher.New(producer, usage.NewFallbackList(rdb), dependencyTimeout, publisher.Metrics{
		Published: metricsCollector.NewCounter("usage_events_published_total", "Usage events handed off, by path and status", []string{"path", "status"}),
	}, logger)
	go usagePublisher.Watch(ctx, config.GetEnvDuration("KAFKA_PING_INTERVAL", 5*time.Second), dependencyTimeout)

	merchantStore := store.New(db)
	enforcer := quota.NewEnforcer(rdb, merchantStore, usagePublisher,
		config.GetEnvDuration("QUOTA_COUNTER_TTL", 24*time.Hour),
		metricsCollector.NewCounter("quota_decisions_total", "Quota decisions by outcome", []string{"outcome"}),
	)

	authenticator := auth.NewAuthenticator(auth.Config{
		Cache: credcache.New(rdb,
			config.GetEnvDuration("AUTH_POSITIVE_TTL", 300*time.Second),
			config.GetEnvDuration("AUTH_NEGATIVE_TTL", 60*time.Second),
		),
		Store:   merchantStore,
		Seeder:  enforcer,
		Timeout: dependencyTimeout,
		Lookups: metricsCollector.NewCounter("auth_lookups_total", "API key lookups by result", []string{"result"}),
		Logger:  logger,
	})

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.Threshold = config.GetEnvInt("BREAKER_THRESHOLD", breakerCfg.Threshold)
	breakerCfg.OpenTTL = config.GetEnvDuration("BREAKER_OPEN_TTL", breakerCfg.OpenTTL)
	breakerCfg.HalfOpen = config.GetEnvBool("BREAKER_HALF_OPEN", breakerCfg.HalfOpen)
	breakerCfg.ProbeTTL = config.GetEnvDuration("BREAKER_PROBE_TTL", breakerCfg.ProbeTTL)
	circuit := breaker.New(rdb, breakerCfg, breaker.NewMetrics(metricsCollector.Registry()), logger)

	paymentsProxy, err := proxy.New(paymentsURL, proxyTimeout, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid PAYMENTS_URL")
	}
	webhookProxy, err := proxy.New(webhookURL, proxyTimeout, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid WEBHOOK_URL")
	}

	var limiter *webhooks.RateLimiter
	if perMin := config.GetEnvInt("WEBHOOK_RATE_LIMIT_PER_MIN", 300); perMin > 0 {
		limiter = webhooks.NewRateLimiter(rdb, perMin, time.Minute, logger)
	}
	webhookRouter, err := webhooks.NewRouter(webhookSecret, webhookProxy, limiter, maxBodyBytes, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build webhook router")
	}

	handlers.RegisterHealthChecks(healthChecker, handlers.HealthDeps{
		Redis: monitoring.PingerFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		Database:  monitoring.PingerFunc(db.PingContext),
		Breaker:   circuit,
		Publisher: usagePublisher,
		Timeout:   dependencyTimeout,
	})
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"PAYMENTS_URL":            paymentsURL,
		"WEBHOOK_URL":             webhookURL,
		"INTERNAL_WEBHOOK_SECRET": webhookSecret,
	}))

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	handlers.RegisterRoutes(router, handlers.Routes{
		Auth:         authenticator,
		Payments:     handlers.NewPaymentsHandlers(enforcer, circuit, paymentsProxy, dependencyTimeout, logger),
		Webhooks:     webhookRouter,
		MaxBodyBytes: maxBodyBytes,
		Logger:       logger,
	})

	serverConfig := server.DefaultConfig(serviceName, "PORT", "3000")
	if err := server.Start(ctx, serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}
