package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/billforge/pkg/apperr"
)

type Service interface {
	// Record persists a flushed batch atomically. Re-recording the same
	// idempotency keys is a no-op.
	Record(ctx context.Context, records []UsageRecord) (int64, error)
	SumForPeriod(ctx context.Context, orgID string, start, end time.Time) (map[string]int64, error)
	ListActiveOrgs(ctx context.Context, start, end time.Time) ([]string, error)
	AggregateDay(ctx context.Context, orgID string, day time.Time) ([]UsageDailySummary, error)
}

var (
	ErrInvalidOrganization = apperr.Validation("organizationId", "invalid_organization", "organizationId is required")
	ErrInvalidUsageType    = apperr.Validation("eventType", "invalid_usage_type", "eventType is required")
	ErrInvalidPeriod       = apperr.New(apperr.KindValidation, "invalid_period")
)
