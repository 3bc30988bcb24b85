package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/infra/config"
)

const (
	poolSize     = 10
	minIdleConns = 2
	connectAfter = 5 * time.Second
)

// Client owns the connection pool backing the current version cache.
type Client struct {
	client *redis.Client
	logger *zap.Logger
	addr   string
}

// NewClient dials redis and fails unless the first ping succeeds.
func NewClient(cfg config.RedisSettings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options(cfg)
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectAfter)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("current version cache %s: ping: %w", opts.Addr, err)
	}

	log := logger.Named("current_cache").With(zap.String("addr", opts.Addr))
	log.Info("current version cache connected",
		zap.Int("db", cfg.DB),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
	)
	return &Client{client: client, logger: log, addr: opts.Addr}, nil
}

func options(cfg config.RedisSettings) *redis.Options {
	opts := &redis.Options{
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        poolSize,
		MinIdleConns:    minIdleConns,
		MaxRetries:      3,
		DialTimeout:     connectAfter,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client exposes the pool to the cache repository.
func (c *Client) Client() *redis.Client {
	return c.client
}

// HealthCheck backs the redis readiness check.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("current version cache %s unreachable: %w", c.addr, err)
	}
	return nil
}

// Close drains the pool, logging its final counters.
func (c *Client) Close() error {
	stats := c.client.PoolStats()
	c.logger.Info("closing current version cache",
		zap.Uint32("total_conns", stats.TotalConns),
		zap.Uint32("idle_conns", stats.IdleConns),
		zap.Uint32("timeouts", stats.Timeouts),
	)
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close current version cache: %w", err)
	}
	return nil
}
