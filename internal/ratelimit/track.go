package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/billforge/internal/config"
)

const keyTrackOrg = "billforge:ratelimit:track:%s"

// TrackLimiter bounds usage tracking calls per organization. A nil limiter
// allows everything.
type TrackLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewTrackLimiter(bucket *TokenBucket, cfg config.UsageConfig) *TrackLimiter {
	if bucket == nil || cfg.TrackRate <= 0 || cfg.TrackBurst <= 0 {
		return nil
	}
	return &TrackLimiter{bucket: bucket, rate: cfg.TrackRate, burst: cfg.TrackBurst}
}

func (l *TrackLimiter) Allow(ctx context.Context, orgID string) (Result, error) {
	if l == nil {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyTrackOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}
