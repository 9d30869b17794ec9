package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/georgiangelov2000/payments-microservices/pkg/config"
)

const defaultDialTimeout = 5 * time.Second

// Nil is returned by reads of a missing key.
const Nil = goredis.Nil

// Mode selects the Redis deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSentinel Mode = "sentinel"
	ModeCluster  Mode = "cluster"
)

// Config configures a topology-agnostic Redis connection.
type Config struct {
	Mode         Mode
	Addrs        []string // single: 1 addr, sentinel: sentinel addrs, cluster: seed nodes
	MasterName   string   // sentinel only
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromEnv reads REDIS_* variables. REDIS_URL is honoured when REDIS_ADDRS is unset.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Mode:       Mode(config.GetEnv("REDIS_MODE", string(ModeSingle))),
		Addrs:      config.GetEnvList("REDIS_ADDRS", nil),
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Username:   config.GetEnv("REDIS_USERNAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
		// The hot path already carries its own per-call deadline.
		ReadTimeout:  config.GetEnvDuration("REDIS_READ_TIMEOUT", 2*time.Second),
		WriteTimeout: config.GetEnvDuration("REDIS_WRITE_TIMEOUT", 2*time.Second),
	}
	if len(cfg.Addrs) > 0 {
		return cfg, nil
	}
	url := config.GetEnv("REDIS_URL", "")
	if url == "" {
		return cfg, fmt.Errorf("REDIS_ADDRS or REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return cfg, fmt.Errorf("parse redis url: %w", err)
	}
	cfg.Addrs = []string{opts.Addr}
	cfg.Username = opts.Username
	cfg.Password = opts.Password
	cfg.DB = opts.DB
	return cfg, nil
}

// NewUniversalClient creates a Redis client that works with single-node,
// Sentinel, or Cluster topologies based on Config.Mode. go-redis routes
// internally: MasterName set → Sentinel, multiple Addrs → Cluster,
// single Addr → standalone.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}
	if cfg.Mode == ModeSentinel && cfg.MasterName == "" {
		return nil, fmt.Errorf("sentinel mode requires a master name")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultDialTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultDialTimeout
	}

	masterName := cfg.MasterName
	if cfg.Mode != ModeSentinel {
		masterName = ""
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   masterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if cfg.Mode == ModeCluster {
		opts.IsClusterMode = true
	}

	client := goredis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
