package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/payment/txref"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func (s *Service) Preview(ctx context.Context, orgID, planID, billingInterval string) (*subscriptiondomain.ProrationPreview, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	sub, err := s.repo.FindOpenByOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	preview, _, err := s.buildPreview(sub, planID, billingInterval, s.clock.Now())
	return preview, err
}

// ApplyPlanChange recomputes the preview against the stored subscription and
// applies it. Upgrades take effect immediately; downgrades are recorded as
// pending and applied when the period rolls.
func (s *Service) ApplyPlanChange(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.ChangePlanResponse, error) {
	if req.Preview != nil && plan.NormalizeID(req.Preview.NewPlanID) != plan.NormalizeID(req.PlanID) {
		return nil, subscriptiondomain.ErrPreviewMismatch
	}

	var (
		preview *subscriptiondomain.ProrationPreview
		charge  *subscriptiondomain.PendingCharge
	)
	sub, err := s.mutate(ctx, req.OrgID, s.loadOpen(req.OrgID), func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		p, target, err := s.buildPreview(sub, req.PlanID, req.BillingInterval, now)
		if err != nil {
			return "", err
		}
		preview, charge = p, nil

		if !p.IsUpgrade {
			pendingInterval := string(p.NewInterval)
			if sub.PendingPlanID != nil && *sub.PendingPlanID == target.ID &&
				sub.PendingBillingInterval != nil && *sub.PendingBillingInterval == pendingInterval {
				return "", errUnchanged
			}
			sub.PendingPlanID = &target.ID
			sub.PendingBillingInterval = &pendingInterval
			return "", nil
		}

		// An incomplete subscription keeps waiting for its first charge;
		// only the processor's confirmation activates it.
		var cause subscriptiondomain.Cause
		if sub.Status == subscriptiondomain.StatusTrialing || sub.Status == subscriptiondomain.StatusPastDue {
			if err := subscriptiondomain.CheckTransition(sub.Status, subscriptiondomain.StatusActive, subscriptiondomain.CausePlanUpgrade); err != nil {
				return "", err
			}
			applyStatus(sub, subscriptiondomain.StatusActive, now)
			cause = subscriptiondomain.CausePlanUpgrade
		}

		fromPlan := sub.PlanID
		sub.PlanID = target.ID
		sub.BillingInterval = p.NewInterval
		sub.Amount = p.NewPrice
		sub.Currency = target.Currency
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = nil
		sub.CancellationReason = nil
		sub.CancellationFeedback = nil
		sub.PendingPlanID = nil
		sub.PendingBillingInterval = nil

		if p.Amount > 0 {
			charge = &subscriptiondomain.PendingCharge{
				ID:             s.genID.Generate(),
				OrgID:          sub.OrgID,
				SubscriptionID: sub.ID,
				Amount:         p.Amount,
				Currency:       target.Currency,
				FromPlanID:     fromPlan,
				ToPlanID:       target.ID,
				TransactionRef: txref.New(target.ID, now, req.UserID),
				Status:         subscriptiondomain.ChargeStatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.repo.InsertPendingCharge(ctx, tx, charge); err != nil {
				return "", err
			}
		}
		return cause, nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithOrg(logger.WithContext(ctx, s.log), sub.OrgID).Info("plan change applied",
		zap.String("plan_id", preview.NewPlanID),
		zap.Bool("upgrade", preview.IsUpgrade),
		zap.Int64("proration_amount", preview.Amount),
	)
	return &subscriptiondomain.ChangePlanResponse{
		Subscription:  sub,
		Preview:       preview,
		Applied:       preview.IsUpgrade,
		PendingCharge: charge,
	}, nil
}

// buildPreview prices a move from the subscription's current plan to planID.
// An empty interval keeps the current one. Prices are compared and prorated
// as monthly equivalents.
func (s *Service) buildPreview(sub *subscriptiondomain.Subscription, planID, rawInterval string, now time.Time) (*subscriptiondomain.ProrationPreview, plan.Plan, error) {
	if sub.Status.IsTerminal() {
		return nil, plan.Plan{}, subscriptiondomain.ErrSubscriptionCanceled
	}
	target, err := s.catalog.Get(planID)
	if err != nil {
		return nil, plan.Plan{}, err
	}
	interval := sub.BillingInterval
	if strings.TrimSpace(rawInterval) != "" {
		if interval, err = plan.ParseInterval(rawInterval); err != nil {
			return nil, plan.Plan{}, err
		}
	}
	if target.ID == sub.PlanID && interval == sub.BillingInterval {
		return nil, plan.Plan{}, subscriptiondomain.ErrPlanUnchanged
	}

	newPrice := target.Price(interval)
	oldMonthly := subscriptiondomain.MonthlyEquivalent(sub.Amount, sub.BillingInterval)
	newMonthly := subscriptiondomain.MonthlyEquivalent(newPrice, interval)
	days := subscriptiondomain.DaysRemaining(sub.CurrentPeriodEnd, now)

	preview := &subscriptiondomain.ProrationPreview{
		CurrentPlanID:   sub.PlanID,
		NewPlanID:       target.ID,
		CurrentInterval: sub.BillingInterval,
		NewInterval:     interval,
		CurrentPrice:    sub.Amount,
		NewPrice:        newPrice,
		Currency:        target.Currency,
		IsUpgrade:       newMonthly > oldMonthly,
		EffectiveDate:   sub.CurrentPeriodEnd,
		Proration:       subscriptiondomain.Proration{DaysRemaining: days},
	}
	if preview.IsUpgrade {
		preview.EffectiveDate = now
		preview.Proration = subscriptiondomain.Prorate(oldMonthly, newMonthly, days)
	}
	return preview, target, nil
}
