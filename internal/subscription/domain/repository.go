package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindCurrentByOrg returns the organization's non-terminal subscription,
	// or its most recent canceled one when none is open.
	FindCurrentByOrg(ctx context.Context, db *gorm.DB, orgID string) (*Subscription, error)
	FindOpenByOrg(ctx context.Context, db *gorm.DB, orgID string) (*Subscription, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, subscriptionRef, customerRef string) (*Subscription, error)
	FindByCheckoutRef(ctx context.Context, db *gorm.DB, ref string) (*Subscription, error)
	// UpdateVersioned writes subscription when its stored version still equals
	// expectedVersion and reports whether a row was updated.
	UpdateVersioned(ctx context.Context, db *gorm.DB, subscription *Subscription, expectedVersion int64) (bool, error)
	InsertTransition(ctx context.Context, db *gorm.DB, transition *SubscriptionTransition) error
	ListTransitions(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]SubscriptionTransition, error)
	ListByStatus(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus) ([]Subscription, error)
	ListPeriodEndedBefore(ctx context.Context, db *gorm.DB, statuses []SubscriptionStatus, before time.Time) ([]Subscription, error)
	ListTrialsEndedBefore(ctx context.Context, db *gorm.DB, before time.Time) ([]Subscription, error)

	InsertPendingCharge(ctx context.Context, db *gorm.DB, charge *PendingCharge) error
	FindPendingChargeByRef(ctx context.Context, db *gorm.DB, ref string) (*PendingCharge, error)
	ListPendingCharges(ctx context.Context, db *gorm.DB, orgID string, status PendingChargeStatus) ([]PendingCharge, error)
	MarkChargesInvoiced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID, now time.Time) error
	SettleCharges(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, now time.Time) (int64, error)
	SettleChargeByRef(ctx context.Context, db *gorm.DB, ref string, now time.Time) (int64, error)
}
