package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"grist-agent/internal/infra/config"
	"grist-agent/internal/usecase/confirm"
)

// redisAdapter wraps a go-redis client to implement confirm.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisAdapter) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.GetDel(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// dialRedis connects to url and verifies the server answers.
func dialRedis(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// buildConfirmService creates the confirmation gate from config. It returns a
// nil service when confirmation is disabled. The closer may be nil.
func buildConfirmService(ctx context.Context, cfg config.ConfirmationConfig, log *slog.Logger) (*confirm.Service, func() error, error) {
	if !cfg.Enabled {
		log.Warn("confirmation disabled; destructive operations run immediately")
		return nil, nil, nil
	}

	switch cfg.Store {
	case config.StoreRedis:
		rdb, err := dialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store := confirm.NewRedisStore(&redisAdapter{client: rdb}, cfg.KeyPrefix)
		log.Info("confirmation store: redis", "redis_url", redactURL(cfg.RedisURL))
		return confirm.NewService(store, cfg.TTL, log), store.Close, nil

	case config.StoreMemory, "":
		store := confirm.NewMemoryStore()
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = time.Minute
		}
		go store.RunSweeper(ctx, cfg.SweepInterval, func(removed int) {
			log.Debug("expired confirmations swept", "removed", removed, "pending", store.PendingCount())
		})
		return confirm.NewService(store, cfg.TTL, log), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown confirmation store: %s", cfg.Store)
	}
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
