package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(newTrackLimiter),
)

func newTrackLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *TrackLimiter {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" || cfg.Usage.TrackRate <= 0 {
		log.Named("ratelimit").Info("usage tracking rate limit disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return NewTrackLimiter(NewTokenBucket(client), cfg.Usage)
}
