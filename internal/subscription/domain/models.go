// Package domain contains persistence models and the lifecycle rules for
// subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/plan"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusPaused     SubscriptionStatus = "paused"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// IsTerminal reports whether no further transitions can leave the status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCanceled
}

func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusPaused, StatusIncomplete:
		return true
	default:
		return false
	}
}

// Subscription captures an organization's billing agreement. Status and
// CancelAtPeriodEnd are independent: an active subscription may be
// scheduled to cancel.
type Subscription struct {
	ID                      snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID                   string             `gorm:"type:text;not null;index" json:"organizationId"`
	PlanID                  string             `gorm:"type:text;not null" json:"planId"`
	Status                  SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	BillingInterval         plan.Interval      `gorm:"type:text;not null" json:"billingInterval"`
	Amount                  int64              `gorm:"not null" json:"amount"`
	Currency                string             `gorm:"type:text;not null" json:"currency"`
	CurrentPeriodStart      time.Time          `gorm:"not null" json:"currentPeriodStart"`
	CurrentPeriodEnd        time.Time          `gorm:"not null;index" json:"currentPeriodEnd"`
	CancelAtPeriodEnd       bool               `gorm:"not null;default:false" json:"cancelAtPeriodEnd"`
	CanceledAt              *time.Time         `json:"canceledAt,omitempty"`
	CancellationReason      *string            `gorm:"type:text" json:"cancellationReason,omitempty"`
	CancellationFeedback    *string            `gorm:"type:text" json:"cancellationFeedback,omitempty"`
	PendingPlanID           *string            `gorm:"type:text" json:"pendingPlanId,omitempty"`
	PendingBillingInterval  *string            `gorm:"type:text" json:"pendingBillingInterval,omitempty"`
	TrialStart              *time.Time         `json:"trialStart,omitempty"`
	TrialEnd                *time.Time         `json:"trialEnd,omitempty"`
	ExternalSubscriptionRef *string            `gorm:"type:text;index" json:"externalSubscriptionRef,omitempty"`
	ExternalCustomerRef     *string            `gorm:"type:text;index" json:"externalCustomerRef,omitempty"`
	CheckoutRef             *string            `gorm:"type:text;index" json:"checkoutRef,omitempty"`
	FailedPaymentAttempts   int                `gorm:"not null;default:0" json:"failedPaymentAttempts"`
	LastFailedPaymentRef    *string            `gorm:"type:text" json:"lastFailedPaymentRef,omitempty"`
	Version                 int64              `gorm:"not null;default:1" json:"version"`
	CreatedAt               time.Time          `gorm:"not null" json:"createdAt"`
	UpdatedAt               time.Time          `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionTransition is the append-only history of status changes.
type SubscriptionTransition struct {
	ID             snowflake.ID       `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID       `gorm:"not null;index" json:"subscriptionId"`
	OrgID          string             `gorm:"type:text;not null" json:"organizationId"`
	FromStatus     SubscriptionStatus `gorm:"type:text;not null" json:"fromStatus"`
	ToStatus       SubscriptionStatus `gorm:"type:text;not null" json:"toStatus"`
	Cause          Cause              `gorm:"type:text;not null" json:"cause"`
	CreatedAt      time.Time          `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (SubscriptionTransition) TableName() string { return "subscription_transitions" }

type PendingChargeStatus string

const (
	ChargeStatusPending  PendingChargeStatus = "pending"
	ChargeStatusInvoiced PendingChargeStatus = "invoiced"
	ChargeStatusSettled  PendingChargeStatus = "settled"
)

// PendingCharge is a positive proration amount owed after an upgrade. It is
// collected by the next invoice for the organization.
type PendingCharge struct {
	ID             snowflake.ID        `gorm:"primaryKey" json:"id"`
	OrgID          string              `gorm:"type:text;not null;index" json:"organizationId"`
	SubscriptionID snowflake.ID        `gorm:"not null;index" json:"subscriptionId"`
	Amount         int64               `gorm:"not null" json:"amount"`
	Currency       string              `gorm:"type:text;not null" json:"currency"`
	FromPlanID     string              `gorm:"type:text;not null" json:"fromPlanId"`
	ToPlanID       string              `gorm:"type:text;not null" json:"toPlanId"`
	TransactionRef string              `gorm:"type:text;not null;uniqueIndex" json:"transactionRef"`
	Status         PendingChargeStatus `gorm:"type:text;not null" json:"status"`
	InvoiceID      *snowflake.ID       `gorm:"index" json:"invoiceId,omitempty"`
	CreatedAt      time.Time           `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time           `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (PendingCharge) TableName() string { return "pending_charges" }
