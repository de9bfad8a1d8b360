package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"gorm.io/gorm"
)

var billableStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.StatusActive,
	subscriptiondomain.StatusPastDue,
}

// ScheduleCancellation flags the subscription to end at the current period
// boundary. The status is left untouched.
func (s *Service) ScheduleCancellation(ctx context.Context, orgID, reason, feedback string) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status.IsTerminal() {
			return "", subscriptiondomain.ErrSubscriptionCanceled.WithMessage("subscription is already canceled")
		}
		if sub.CancelAtPeriodEnd {
			return "", errUnchanged
		}
		sub.CancelAtPeriodEnd = true
		sub.CanceledAt = &now
		sub.CancellationReason = stringPtr(reason)
		sub.CancellationFeedback = stringPtr(feedback)
		return "", nil
	})
}

func (s *Service) Reactivate(ctx context.Context, orgID string) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status.IsTerminal() {
			return "", subscriptiondomain.ErrSubscriptionCanceled.WithMessage("a canceled subscription cannot be reactivated")
		}
		if !sub.CancelAtPeriodEnd {
			return "", subscriptiondomain.ErrNotScheduled.WithMessage("subscription is not scheduled to cancel")
		}
		if !sub.CurrentPeriodEnd.After(now) {
			return "", subscriptiondomain.ErrPeriodEnded.WithMessage("the billing period has already ended")
		}
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.CancellationReason = nil
		sub.CancellationFeedback = nil
		return "", nil
	})
}

func (s *Service) RollPeriod(ctx context.Context, orgID string) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, orgID, s.loadOpen(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusPastDue {
			return "", errUnchanged
		}
		if sub.CurrentPeriodEnd.After(now) {
			return "", errUnchanged
		}

		if sub.CancelAtPeriodEnd {
			if err := subscriptiondomain.CheckTransition(sub.Status, subscriptiondomain.StatusCanceled, subscriptiondomain.CausePeriodEndCancel); err != nil {
				return "", err
			}
			applyStatus(sub, subscriptiondomain.StatusCanceled, now)
			return subscriptiondomain.CausePeriodEndCancel, nil
		}

		if sub.PendingPlanID != nil {
			next, err := s.catalog.Get(*sub.PendingPlanID)
			if err != nil {
				return "", err
			}
			interval := sub.BillingInterval
			if sub.PendingBillingInterval != nil {
				if interval, err = plan.ParseInterval(*sub.PendingBillingInterval); err != nil {
					return "", err
				}
			}
			sub.PlanID = next.ID
			sub.BillingInterval = interval
			sub.Amount = next.Price(interval)
			sub.Currency = next.Currency
			sub.PendingPlanID = nil
			sub.PendingBillingInterval = nil
		}

		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = sub.BillingInterval.AddTo(sub.CurrentPeriodStart)
		return "", nil
	})
}

// ExpireTrial ends a trial whose end has passed, moving it to canceled or
// past_due according to the configured policy.
func (s *Service) ExpireTrial(ctx context.Context, orgID string) (*subscriptiondomain.Subscription, error) {
	target := subscriptiondomain.StatusCanceled
	if s.billing.Get().TrialExpiryPolicy == config.TrialExpiryPastDue {
		target = subscriptiondomain.StatusPastDue
	}
	return s.mutate(ctx, orgID, s.loadOpen(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status != subscriptiondomain.StatusTrialing || sub.TrialEnd == nil || sub.TrialEnd.After(now) {
			return "", errUnchanged
		}
		if err := subscriptiondomain.CheckTransition(sub.Status, target, subscriptiondomain.CauseTrialExpired); err != nil {
			return "", err
		}
		applyStatus(sub, target, now)
		return subscriptiondomain.CauseTrialExpired, nil
	})
}

// AttachExternalRefs stores the processor's identifiers for the
// subscription and, when asked, activates a subscription that was waiting
// on checkout.
func (s *Service) AttachExternalRefs(ctx context.Context, orgID string, refs subscriptiondomain.ExternalRefs) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		changed := false
		if ref := stringPtr(refs.SubscriptionRef); ref != nil && !equalPtr(sub.ExternalSubscriptionRef, *ref) {
			sub.ExternalSubscriptionRef = ref
			changed = true
		}
		if ref := stringPtr(refs.CustomerRef); ref != nil && !equalPtr(sub.ExternalCustomerRef, *ref) {
			sub.ExternalCustomerRef = ref
			changed = true
		}

		var cause subscriptiondomain.Cause
		if refs.Activate {
			switch sub.Status {
			case subscriptiondomain.StatusIncomplete:
				cause = subscriptiondomain.CauseChargeSucceeded
			case subscriptiondomain.StatusTrialing:
				cause = subscriptiondomain.CausePaymentMethodAdded
			}
		}
		if cause != "" {
			applyStatus(sub, subscriptiondomain.StatusActive, now)
			return cause, nil
		}
		if !changed {
			return "", errUnchanged
		}
		return "", nil
	})
}

// RecordPaymentSuccess applies a confirmed charge: waiting and past_due
// subscriptions become active and the failure counter resets.
func (s *Service) RecordPaymentSuccess(ctx context.Context, orgID string) (*subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		cause := subscriptiondomain.CauseChargeSucceeded
		switch sub.Status {
		case subscriptiondomain.StatusActive:
			if sub.FailedPaymentAttempts == 0 {
				return "", errUnchanged
			}
			sub.FailedPaymentAttempts = 0
			return "", nil
		case subscriptiondomain.StatusPastDue:
			cause = subscriptiondomain.CauseRetrySucceeded
		}
		if err := subscriptiondomain.CheckTransition(sub.Status, subscriptiondomain.StatusActive, cause); err != nil {
			return "", err
		}
		applyStatus(sub, subscriptiondomain.StatusActive, now)
		return cause, nil
	})
}

// RecordPaymentFailure counts a failed collection attempt. An active
// subscription becomes past_due; a past_due one is canceled once the
// configured number of attempts is reached. The event reference is stored
// with the counter in the same write, so a redelivered event whose
// processed mark was lost is not counted twice.
func (s *Service) RecordPaymentFailure(ctx context.Context, orgID, eventRef string) (*subscriptiondomain.Subscription, error) {
	maxAttempts := s.billing.Get().MaxPaymentRetries
	eventRef = strings.TrimSpace(eventRef)
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status.IsTerminal() {
			return "", errUnchanged
		}
		if eventRef != "" && sub.LastFailedPaymentRef != nil && *sub.LastFailedPaymentRef == eventRef {
			return "", errUnchanged
		}
		sub.FailedPaymentAttempts++
		sub.LastFailedPaymentRef = stringPtr(eventRef)

		switch sub.Status {
		case subscriptiondomain.StatusActive:
			applyStatus(sub, subscriptiondomain.StatusPastDue, now)
			return subscriptiondomain.CausePaymentFailed, nil
		case subscriptiondomain.StatusPastDue:
			if maxAttempts > 0 && sub.FailedPaymentAttempts >= maxAttempts {
				applyStatus(sub, subscriptiondomain.StatusCanceled, now)
				return subscriptiondomain.CauseRetriesExhausted, nil
			}
		}
		return "", nil
	})
}

func (s *Service) SettleChargeByRef(ctx context.Context, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false, nil
	}
	n, err := s.repo.SettleChargeByRef(ctx, s.db, ref, s.clock.Now())
	return n > 0, err
}

// ResolveOrg maps processor identifiers back to an organization.
func (s *Service) ResolveOrg(ctx context.Context, lookup subscriptiondomain.OrgLookup) (string, error) {
	sub, err := s.repo.FindByExternalRef(ctx, s.db, lookup.SubscriptionRef, lookup.CustomerRef)
	if err != nil {
		return "", err
	}
	if sub != nil {
		return sub.OrgID, nil
	}

	ref := strings.TrimSpace(lookup.TransactionRef)
	if ref == "" {
		return "", subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub, err = s.repo.FindByCheckoutRef(ctx, s.db, ref); err != nil {
		return "", err
	}
	if sub != nil {
		return sub.OrgID, nil
	}
	charge, err := s.repo.FindPendingChargeByRef(ctx, s.db, ref)
	if err != nil {
		return "", err
	}
	if charge != nil {
		return charge.OrgID, nil
	}
	return "", subscriptiondomain.ErrSubscriptionNotFound
}

func (s *Service) ListBillable(ctx context.Context) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListByStatus(ctx, s.db, billableStatuses)
}

func (s *Service) ListPeriodEnded(ctx context.Context, before time.Time) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListPeriodEndedBefore(ctx, s.db, billableStatuses, before)
}

func (s *Service) ListExpiredTrials(ctx context.Context, before time.Time) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListTrialsEndedBefore(ctx, s.db, before)
}

func equalPtr(p *string, v string) bool {
	return p != nil && *p == v
}
