package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// WebhookEventRecord marks a processor event as seen. Only identifiers are
// stored; payloads are not retained.
type WebhookEventRecord struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalEventID string       `json:"externalEventId" gorm:"type:text;not null;uniqueIndex"`
	EventType       string       `json:"eventType" gorm:"type:text;not null"`
	OrgID           string       `json:"organizationId" gorm:"type:text;index"`
	ReceivedAt      time.Time    `json:"receivedAt" gorm:"not null"`
	ProcessedAt     *time.Time   `json:"processedAt"`
}

func (WebhookEventRecord) TableName() string { return "webhook_events" }
