package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// InsertBatch writes records, skipping any whose idempotency key already exists.
	InsertBatch(ctx context.Context, db *gorm.DB, records []UsageRecord) (int64, error)
	SumByType(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) (map[string]int64, error)
	ListOrgIDs(ctx context.Context, db *gorm.DB, start, end time.Time) ([]string, error)
	UpsertDailySummary(ctx context.Context, db *gorm.DB, summary *UsageDailySummary) error
	ListDailySummaries(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) ([]UsageDailySummary, error)
}
