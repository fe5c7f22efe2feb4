// Package cache wraps redis behind a degrade-to-bypass policy: when
// redis is unreachable the engine keeps working without it, paying the
// embedding provider instead of failing requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jobraker/engine/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	warnedUnavailable atomic.Bool
}

func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, bypassing cache", zap.Error(err))
		_ = client.Close()
		return &Redis{client: nil, ttl: cfg.TTL, logger: logger}
	}

	return &Redis{client: client, ttl: cfg.TTL, logger: logger}
}

func (r *Redis) isUnavailable() bool {
	return r == nil || r.client == nil
}

func (r *Redis) warnUnavailableOnce(err error) {
	if r == nil {
		return
	}
	if r.warnedUnavailable.CompareAndSwap(false, true) {
		r.logger.Warn("redis unavailable, bypassing cache", zap.Error(err))
	}
}

// GetJSON reports whether the key was found and decoded into out.
// A bypassed or failing cache reads as a miss, never as an error.
func (r *Redis) GetJSON(ctx context.Context, key string, out any) bool {
	if r.isUnavailable() {
		return false
	}
	b, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.warnUnavailableOnce(err)
		}
		return false
	}
	if len(b) == 0 {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if r.isUnavailable() {
		return
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, key, b, ttl).Err(); err != nil {
		r.warnUnavailableOnce(err)
	}
}

// SetIfNotExists takes a best-effort lock. With the cache bypassed it
// reports success so single-node deployments keep sweeping.
func (r *Redis) SetIfNotExists(ctx context.Context, key, value string, ttl time.Duration) bool {
	if r.isUnavailable() {
		return true
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		r.warnUnavailableOnce(err)
		return true
	}
	return ok
}

func (r *Redis) Delete(ctx context.Context, key string) {
	if r.isUnavailable() {
		return
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.warnUnavailableOnce(err)
	}
}

func (r *Redis) Close() error {
	if r.isUnavailable() {
		return nil
	}
	return r.client.Close()
}
