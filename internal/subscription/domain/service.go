package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/billforge/pkg/apperr"
)

type CreateRequest struct {
	OrgID           string `json:"organizationId"`
	PlanID          string `json:"planId"`
	BillingInterval string `json:"billingInterval"`
	UserID          string `json:"userId"`
}

type CreateResponse struct {
	Subscription   *Subscription `json:"subscription"`
	TransactionRef string        `json:"transactionRef,omitempty"`
}

type ChangePlanRequest struct {
	OrgID           string            `json:"organizationId"`
	PlanID          string            `json:"planId"`
	BillingInterval string            `json:"billingInterval"`
	UserID          string            `json:"userId"`
	Preview         *ProrationPreview `json:"preview"`
}

type ChangePlanResponse struct {
	Subscription  *Subscription     `json:"subscription"`
	Preview       *ProrationPreview `json:"preview"`
	Applied       bool              `json:"applied"`
	PendingCharge *PendingCharge    `json:"pendingCharge,omitempty"`
}

type ExternalRefs struct {
	SubscriptionRef string
	CustomerRef     string
	// Activate moves an incomplete or trialing subscription to active.
	Activate bool
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	GetByOrg(ctx context.Context, orgID string) (*Subscription, error)
	Preview(ctx context.Context, orgID, planID, billingInterval string) (*ProrationPreview, error)
	ApplyPlanChange(ctx context.Context, req ChangePlanRequest) (*ChangePlanResponse, error)
	ScheduleCancellation(ctx context.Context, orgID, reason, feedback string) (*Subscription, error)
	Reactivate(ctx context.Context, orgID string) (*Subscription, error)
	Transition(ctx context.Context, orgID string, to SubscriptionStatus, cause Cause) (*Subscription, error)
	History(ctx context.Context, orgID string) ([]SubscriptionTransition, error)

	// RollPeriod closes an elapsed billing period: it cancels a subscription
	// scheduled to cancel, otherwise applies any pending plan and advances
	// the period by one interval.
	RollPeriod(ctx context.Context, orgID string) (*Subscription, error)
	ExpireTrial(ctx context.Context, orgID string) (*Subscription, error)
	AttachExternalRefs(ctx context.Context, orgID string, refs ExternalRefs) (*Subscription, error)
	RecordPaymentSuccess(ctx context.Context, orgID string) (*Subscription, error)
	// RecordPaymentFailure counts one failed collection. A non-empty eventRef
	// that matches the last counted failure is not counted again.
	RecordPaymentFailure(ctx context.Context, orgID, eventRef string) (*Subscription, error)
	SettleChargeByRef(ctx context.Context, ref string) (bool, error)

	ResolveOrg(ctx context.Context, lookup OrgLookup) (string, error)
	ListBillable(ctx context.Context) ([]Subscription, error)
	ListPeriodEnded(ctx context.Context, before time.Time) ([]Subscription, error)
	ListExpiredTrials(ctx context.Context, before time.Time) ([]Subscription, error)
}

// OrgLookup carries the identifiers a processor event may reference. The
// first one that matches a subscription wins.
type OrgLookup struct {
	SubscriptionRef string
	CustomerRef     string
	TransactionRef  string
}

var (
	ErrInvalidOrganization  = apperr.Validation("organizationId", "invalid_organization", "organizationId is required")
	ErrSubscriptionNotFound = apperr.New(apperr.KindNotFound, "subscription_not_found")
	ErrSubscriptionExists   = apperr.Validation("organizationId", "subscription_exists", "organization already has an open subscription")
	ErrPlanUnchanged        = apperr.Validation("planId", "plan_unchanged", "subscription is already on this plan and interval")
	ErrPreviewMismatch      = apperr.Validation("preview", "preview_mismatch", "preview does not match the requested plan")
	ErrSubscriptionCanceled = apperr.New(apperr.KindInvalidState, "subscription_canceled")
	ErrNotScheduled         = apperr.New(apperr.KindInvalidState, "cancellation_not_scheduled")
	ErrPeriodEnded          = apperr.New(apperr.KindInvalidState, "period_ended")
	ErrVersionConflict      = apperr.New(apperr.KindConcurrencyConflict, "subscription_version_conflict")
)
