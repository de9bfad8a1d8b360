package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, externalEventID string) (*WebhookEventRecord, error)
	// InsertEvent stores the record unless one with the same external id
	// exists, reporting whether a row was written.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
