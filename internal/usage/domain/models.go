// Package domain contains persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord is one aggregated usage increment written by a meter flush.
// Records are immutable once persisted.
type UsageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          string            `gorm:"type:text;not null;index:idx_usage_records_org_type_time,priority:1" json:"organizationId"`
	UsageType      string            `gorm:"type:text;not null;index:idx_usage_records_org_type_time,priority:2" json:"usageType"`
	Quantity       int64             `gorm:"not null" json:"quantity"`
	OccurredAt     time.Time         `gorm:"not null;index:idx_usage_records_org_type_time,priority:3" json:"occurredAt"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex" json:"-"`
	CreatedAt      time.Time         `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// UsageDailySummary is the per-day rollup produced by the aggregate_usage job.
type UsageDailySummary struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     string       `gorm:"type:text;not null;uniqueIndex:ux_usage_daily_org_type_day,priority:1" json:"organizationId"`
	UsageType string       `gorm:"type:text;not null;uniqueIndex:ux_usage_daily_org_type_day,priority:2" json:"usageType"`
	Day       time.Time    `gorm:"not null;uniqueIndex:ux_usage_daily_org_type_day,priority:3" json:"day"`
	Quantity  int64        `gorm:"not null" json:"quantity"`
	UpdatedAt time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (UsageDailySummary) TableName() string { return "usage_daily_summaries" }
