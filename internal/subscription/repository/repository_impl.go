package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT * FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindCurrentByOrg(ctx context.Context, db *gorm.DB, orgID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT * FROM subscriptions
		 WHERE org_id = ?
		 ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END ASC, created_at DESC, id DESC
		 LIMIT 1`,
		orgID,
		subscriptiondomain.StatusCanceled,
	)
}

func (r *repo) FindOpenByOrg(ctx context.Context, db *gorm.DB, orgID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`SELECT * FROM subscriptions
		 WHERE org_id = ? AND status <> ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		orgID,
		subscriptiondomain.StatusCanceled,
	)
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, subscriptionRef, customerRef string) (*subscriptiondomain.Subscription, error) {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	customerRef = strings.TrimSpace(customerRef)
	if subscriptionRef != "" {
		item, err := r.findOne(ctx, db,
			`SELECT * FROM subscriptions WHERE external_subscription_ref = ?
			 ORDER BY created_at DESC, id DESC LIMIT 1`,
			subscriptionRef,
		)
		if err != nil || item != nil {
			return item, err
		}
	}
	if customerRef == "" {
		return nil, nil
	}
	return r.findOne(ctx, db,
		`SELECT * FROM subscriptions WHERE external_customer_ref = ?
		 ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END ASC, created_at DESC, id DESC
		 LIMIT 1`,
		customerRef,
		subscriptiondomain.StatusCanceled,
	)
}

func (r *repo) FindByCheckoutRef(ctx context.Context, db *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT * FROM subscriptions WHERE checkout_ref = ? LIMIT 1`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, s *subscriptiondomain.Subscription, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND version = ?", s.ID, expectedVersion).
		Updates(map[string]any{
			"plan_id":                   s.PlanID,
			"status":                    s.Status,
			"billing_interval":          s.BillingInterval,
			"amount":                    s.Amount,
			"currency":                  s.Currency,
			"current_period_start":      s.CurrentPeriodStart,
			"current_period_end":        s.CurrentPeriodEnd,
			"cancel_at_period_end":      s.CancelAtPeriodEnd,
			"canceled_at":               s.CanceledAt,
			"cancellation_reason":       s.CancellationReason,
			"cancellation_feedback":     s.CancellationFeedback,
			"pending_plan_id":           s.PendingPlanID,
			"pending_billing_interval":  s.PendingBillingInterval,
			"trial_start":               s.TrialStart,
			"trial_end":                 s.TrialEnd,
			"external_subscription_ref": s.ExternalSubscriptionRef,
			"external_customer_ref":     s.ExternalCustomerRef,
			"checkout_ref":              s.CheckoutRef,
			"failed_payment_attempts":   s.FailedPaymentAttempts,
			"last_failed_payment_ref":   s.LastFailedPaymentRef,
			"version":                   s.Version,
			"updated_at":                s.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertTransition(ctx context.Context, db *gorm.DB, transition *subscriptiondomain.SubscriptionTransition) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_transitions (id, subscription_id, org_id, from_status, to_status, cause, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transition.ID,
		transition.SubscriptionID,
		transition.OrgID,
		transition.FromStatus,
		transition.ToStatus,
		transition.Cause,
		transition.CreatedAt,
	).Error
}

func (r *repo) ListTransitions(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.SubscriptionTransition, error) {
	var items []subscriptiondomain.SubscriptionTransition
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, org_id, from_status, to_status, cause, created_at
		 FROM subscription_transitions
		 WHERE subscription_id = ?
		 ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE status IN ? ORDER BY org_id ASC`,
		statuses,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListPeriodEndedBefore(ctx context.Context, db *gorm.DB, statuses []subscriptiondomain.SubscriptionStatus, before time.Time) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE status IN ? AND current_period_end <= ?
		 ORDER BY current_period_end ASC, org_id ASC`,
		statuses,
		before,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListTrialsEndedBefore(ctx context.Context, db *gorm.DB, before time.Time) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE status = ? AND trial_end IS NOT NULL AND trial_end <= ?
		 ORDER BY trial_end ASC, org_id ASC`,
		subscriptiondomain.StatusTrialing,
		before,
	).Scan(&items).Error
	return items, err
}

func (r *repo) InsertPendingCharge(ctx context.Context, db *gorm.DB, charge *subscriptiondomain.PendingCharge) error {
	return db.WithContext(ctx).Create(charge).Error
}

func (r *repo) FindPendingChargeByRef(ctx context.Context, db *gorm.DB, ref string) (*subscriptiondomain.PendingCharge, error) {
	var item subscriptiondomain.PendingCharge
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM pending_charges WHERE transaction_ref = ? LIMIT 1`,
		ref,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListPendingCharges(ctx context.Context, db *gorm.DB, orgID string, status subscriptiondomain.PendingChargeStatus) ([]subscriptiondomain.PendingCharge, error) {
	var items []subscriptiondomain.PendingCharge
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM pending_charges
		 WHERE org_id = ? AND status = ?
		 ORDER BY created_at ASC, id ASC`,
		orgID,
		status,
	).Scan(&items).Error
	return items, err
}

func (r *repo) MarkChargesInvoiced(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE pending_charges SET status = ?, invoice_id = ?, updated_at = ?
		 WHERE id IN ? AND status = ?`,
		subscriptiondomain.ChargeStatusInvoiced,
		invoiceID,
		now,
		ids,
		subscriptiondomain.ChargeStatusPending,
	).Error
}

func (r *repo) SettleCharges(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pending_charges SET status = ?, updated_at = ?
		 WHERE invoice_id = ? AND status <> ?`,
		subscriptiondomain.ChargeStatusSettled,
		now,
		invoiceID,
		subscriptiondomain.ChargeStatusSettled,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) SettleChargeByRef(ctx context.Context, db *gorm.DB, ref string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pending_charges SET status = ?, updated_at = ?
		 WHERE transaction_ref = ? AND status <> ?`,
		subscriptiondomain.ChargeStatusSettled,
		now,
		ref,
		subscriptiondomain.ChargeStatusSettled,
	)
	return res.RowsAffected, res.Error
}
