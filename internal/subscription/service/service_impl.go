package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	"github.com/smallbiznis/billforge/internal/payment/txref"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"github.com/smallbiznis/billforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxConflictRetries bounds how often a mutation is re-applied on a fresh
// read after losing an optimistic version race.
const maxConflictRetries = 3

// errUnchanged tells mutate that the fresh row already satisfies the request.
var errUnchanged = errors.New("subscription unchanged")

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	catalog plan.Catalog
	billing *config.BillingConfigHolder
	metrics *metrics.BillingMetrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository
	Catalog plan.Catalog
	Billing *config.BillingConfigHolder
	Metrics *metrics.BillingMetrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		billing: p.Billing,
		metrics: p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.CreateResponse, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	selected, err := s.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}
	interval, err := plan.ParseInterval(req.BillingInterval)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		PlanID:             selected.ID,
		BillingInterval:    interval,
		Amount:             selected.Price(interval),
		Currency:           selected.Currency,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   interval.AddTo(now),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	switch {
	case selected.IsFree():
		sub.Status = subscriptiondomain.StatusActive
	case selected.TrialDays > 0:
		trialEnd := now.AddDate(0, 0, selected.TrialDays)
		sub.Status = subscriptiondomain.StatusTrialing
		sub.TrialStart = &now
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
	default:
		sub.Status = subscriptiondomain.StatusIncomplete
	}

	resp := &subscriptiondomain.CreateResponse{Subscription: sub}
	if !selected.IsFree() {
		ref := txref.New(selected.ID, now, req.UserID)
		sub.CheckoutRef = &ref
		resp.TransactionRef = ref
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindOpenByOrg(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrSubscriptionExists
		}
		return s.repo.Insert(ctx, tx, sub)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrSubscriptionExists
		}
		return nil, err
	}

	logger.WithOrg(logger.WithContext(ctx, s.log), orgID).Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", sub.PlanID),
		zap.String("status", string(sub.Status)),
	)
	return resp, nil
}

func (s *Service) GetByOrg(ctx context.Context, orgID string) (*subscriptiondomain.Subscription, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	sub, err := s.repo.FindCurrentByOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) History(ctx context.Context, orgID string) ([]subscriptiondomain.SubscriptionTransition, error) {
	sub, err := s.GetByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, s.db, sub.ID)
}

// Transition is the single entry point for status changes requested by
// other components. Requesting the current status is a no-op.
func (s *Service) Transition(ctx context.Context, orgID string, to subscriptiondomain.SubscriptionStatus, cause subscriptiondomain.Cause) (*subscriptiondomain.Subscription, error) {
	if !to.IsValid() {
		return nil, apperr.Validation("status", "invalid_status", "unknown subscription status")
	}
	return s.mutate(ctx, orgID, s.loadCurrent(orgID), func(_ *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error) {
		if sub.Status == to {
			return "", errUnchanged
		}
		if err := subscriptiondomain.CheckTransition(sub.Status, to, cause); err != nil {
			return "", err
		}
		applyStatus(sub, to, now)
		return cause, nil
	})
}

type loadFunc func(ctx context.Context, tx *gorm.DB) (*subscriptiondomain.Subscription, error)

// mutation changes sub in place and returns the cause when it moved the
// status. Returning errUnchanged skips the write.
type mutation func(tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) (subscriptiondomain.Cause, error)

func (s *Service) loadCurrent(orgID string) loadFunc {
	orgID = strings.TrimSpace(orgID)
	return func(ctx context.Context, tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		return s.repo.FindCurrentByOrg(ctx, tx, orgID)
	}
}

func (s *Service) loadOpen(orgID string) loadFunc {
	orgID = strings.TrimSpace(orgID)
	return func(ctx context.Context, tx *gorm.DB) (*subscriptiondomain.Subscription, error) {
		return s.repo.FindOpenByOrg(ctx, tx, orgID)
	}
}

// mutate reads the subscription, applies fn and writes it back guarded by
// its version, inserting a history row when the status moved. Each attempt
// is one transaction; a lost version race re-runs fn against a fresh read.
func (s *Service) mutate(ctx context.Context, orgID string, load loadFunc, fn mutation) (*subscriptiondomain.Subscription, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}
	log := logger.WithOrg(logger.WithContext(ctx, s.log), orgID)

	for attempt := 1; ; attempt++ {
		var (
			result *subscriptiondomain.Subscription
			moved  *subscriptiondomain.SubscriptionTransition
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := load(ctx, tx)
			if err != nil {
				return err
			}
			if sub == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}

			from := sub.Status
			expected := sub.Version
			now := s.clock.Now()

			cause, err := fn(tx, sub, now)
			if errors.Is(err, errUnchanged) {
				result = sub
				return nil
			}
			if err != nil {
				return err
			}

			sub.Version = expected + 1
			sub.UpdatedAt = now
			ok, err := s.repo.UpdateVersioned(ctx, tx, sub, expected)
			if err != nil {
				return err
			}
			if !ok {
				return subscriptiondomain.ErrVersionConflict
			}

			if sub.Status != from {
				moved = &subscriptiondomain.SubscriptionTransition{
					ID:             s.genID.Generate(),
					SubscriptionID: sub.ID,
					OrgID:          sub.OrgID,
					FromStatus:     from,
					ToStatus:       sub.Status,
					Cause:          cause,
					CreatedAt:      now,
				}
				if err := s.repo.InsertTransition(ctx, tx, moved); err != nil {
					return err
				}
			}
			result = sub
			return nil
		})
		if err == nil {
			if moved != nil {
				s.metrics.IncTransition(string(moved.FromStatus), string(moved.ToStatus), string(moved.Cause))
				log.Info("subscription transitioned",
					zap.String("subscription_id", moved.SubscriptionID.String()),
					zap.String("from", string(moved.FromStatus)),
					zap.String("to", string(moved.ToStatus)),
					zap.String("cause", string(moved.Cause)),
				)
			}
			return result, nil
		}
		if !errors.Is(err, subscriptiondomain.ErrVersionConflict) {
			return nil, err
		}
		s.metrics.IncConflict("subscription")
		if attempt > maxConflictRetries {
			log.Warn("subscription update abandoned after version conflicts", zap.Int("attempts", attempt))
			return nil, err
		}
		log.Debug("subscription version conflict, retrying", zap.Int("attempt", attempt))
	}
}

// applyStatus moves sub to the target status and keeps the dependent fields
// consistent. Callers validate the transition first.
func applyStatus(sub *subscriptiondomain.Subscription, to subscriptiondomain.SubscriptionStatus, now time.Time) {
	from := sub.Status
	sub.Status = to

	switch to {
	case subscriptiondomain.StatusActive:
		if from == subscriptiondomain.StatusTrialing || from == subscriptiondomain.StatusIncomplete {
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = sub.BillingInterval.AddTo(now)
			if from == subscriptiondomain.StatusTrialing && sub.TrialEnd != nil && sub.TrialEnd.After(now) {
				sub.TrialEnd = &now
			}
		}
		sub.FailedPaymentAttempts = 0
	case subscriptiondomain.StatusCanceled:
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		sub.CancelAtPeriodEnd = false
		sub.PendingPlanID = nil
		sub.PendingBillingInterval = nil
	}
}

func stringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
