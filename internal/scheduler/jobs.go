package scheduler

import (
	"context"
	"errors"
	"time"

	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"github.com/smallbiznis/billforge/internal/payment/processor"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"go.uber.org/zap"
)

// maxCatchUpPeriods bounds how many elapsed periods one monthly run bills
// for a single organization.
const maxCatchUpPeriods = 12

// monthlyBillingUnits bills, in arrears, every subscription period that
// ended before the close of the month.
func (s *Scheduler) monthlyBillingUnits(ctx context.Context, w window) ([]unit, error) {
	cutoff := s.cutoff(w)
	subs, err := s.subscriptionSvc.ListPeriodEnded(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return orgUnits(subs, func(orgID string) func(context.Context) error {
		return func(ctx context.Context) error {
			return s.billElapsedPeriods(ctx, orgID, cutoff)
		}
	}), nil
}

func (s *Scheduler) billElapsedPeriods(ctx context.Context, orgID string, cutoff time.Time) error {
	for i := 0; i < maxCatchUpPeriods; i++ {
		sub, err := s.subscriptionSvc.GetByOrg(ctx, orgID)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusPastDue {
			return nil
		}
		if sub.CurrentPeriodEnd.After(cutoff) {
			return nil
		}

		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		_, err = s.invoiceSvc.Generate(ctx, invoicedomain.GenerateRequest{
			OrgID:       orgID,
			PeriodStart: &start,
			PeriodEnd:   &end,
		})
		if err != nil && !errors.Is(err, apperr.ErrDuplicatePeriod) {
			return err
		}

		rolled, err := s.subscriptionSvc.RollPeriod(ctx, orgID)
		if err != nil {
			return err
		}
		if rolled.Status == sub.Status && !rolled.CurrentPeriodEnd.After(end) {
			return nil
		}
	}
	return nil
}

// syncInvoicesUnits corrects drift on every invoice still open at the
// processor and resubmits drafts whose submission failed.
func (s *Scheduler) syncInvoicesUnits(ctx context.Context, _ window) ([]unit, error) {
	invoices, err := s.invoiceSvc.ListByStatus(ctx,
		invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusPending,
		invoicedomain.InvoiceStatusFailed,
	)
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(invoices))
	for _, inv := range invoices {
		units = append(units, unit{
			key:   "invoice:" + inv.ID.String(),
			orgID: inv.OrgID,
			run: func(ctx context.Context) error {
				_, err := s.invoiceSvc.SyncStatus(ctx, inv.ID)
				if errors.Is(err, processor.ErrNotConfigured) {
					return nil
				}
				return err
			},
		})
	}
	return units, nil
}

func (s *Scheduler) syncSubscriptionsUnits(ctx context.Context, _ window) ([]unit, error) {
	subs, err := s.subscriptionSvc.ListBillable(ctx)
	if err != nil {
		return nil, err
	}
	return orgUnits(subs, func(orgID string) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := s.syncer.SyncSubscription(ctx, orgID)
			if errors.Is(err, processor.ErrNotConfigured) {
				return nil
			}
			return err
		}
	}), nil
}

func (s *Scheduler) overdueRemindersUnits(ctx context.Context, _ window) ([]unit, error) {
	invoices, err := s.invoiceSvc.ListOverdue(ctx, s.clock.Now())
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(invoices))
	for _, inv := range invoices {
		units = append(units, unit{
			key:   "invoice:" + inv.ID.String(),
			orgID: inv.OrgID,
			run: func(ctx context.Context) error {
				_, err := s.reminder.OverdueInvoice(ctx, inv)
				return err
			},
		})
	}
	return units, nil
}

func (s *Scheduler) aggregateUsageUnits(ctx context.Context, w window) ([]unit, error) {
	orgIDs, err := s.usageSvc.ListActiveOrgs(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(orgIDs))
	for _, orgID := range orgIDs {
		units = append(units, unit{
			key:   orgID,
			orgID: orgID,
			run: func(ctx context.Context) error {
				_, err := s.usageSvc.AggregateDay(ctx, orgID, w.Start)
				return err
			},
		})
	}
	return units, nil
}

// checkTrialsUnits ends trials whose end date passed and tells the
// organization. A failed notification does not fail the unit.
func (s *Scheduler) checkTrialsUnits(ctx context.Context, w window) ([]unit, error) {
	subs, err := s.subscriptionSvc.ListExpiredTrials(ctx, s.cutoff(w))
	if err != nil {
		return nil, err
	}
	return orgUnits(subs, func(orgID string) func(context.Context) error {
		return func(ctx context.Context) error {
			sub, err := s.subscriptionSvc.ExpireTrial(ctx, orgID)
			if err != nil {
				return err
			}
			if sub.Status == subscriptiondomain.StatusTrialing {
				return nil
			}
			if _, err := s.reminder.TrialEnded(ctx, *sub); err != nil {
				s.logger(ctx).Warn("trial ended notification failed", zap.String("org_id", orgID), zap.Error(err))
			}
			return nil
		}
	}), nil
}

// cutoff is the end of the window, or now when the window is still open.
func (s *Scheduler) cutoff(w window) time.Time {
	now := s.clock.Now().UTC()
	if now.Before(w.End) {
		return now
	}
	return w.End
}

func orgUnits(subs []subscriptiondomain.Subscription, run func(orgID string) func(context.Context) error) []unit {
	seen := make(map[string]bool, len(subs))
	units := make([]unit, 0, len(subs))
	for _, sub := range subs {
		if seen[sub.OrgID] {
			continue
		}
		seen[sub.OrgID] = true
		units = append(units, unit{key: sub.OrgID, orgID: sub.OrgID, run: run(sub.OrgID)})
	}
	return units
}
