package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/smallbiznis/billforge/internal/payment/txref"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"github.com/smallbiznis/billforge/internal/subscription/repository"
	"github.com/smallbiznis/billforge/internal/testutil"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	midPeriod   = time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	svc   subscriptiondomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	node  *snowflake.Node
	repo  subscriptiondomain.Repository
}

func newTestEnv(t *testing.T, billing config.BillingConfig, wrap func(subscriptiondomain.Repository) subscriptiondomain.Repository) *testEnv {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	db := testutil.OpenDB(t,
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionTransition{},
		&subscriptiondomain.PendingCharge{},
	)
	holder := config.NewStaticBillingConfigHolder(billing)
	repo := repository.Provide()
	svcRepo := repo
	if wrap != nil {
		svcRepo = wrap(repo)
	}
	clk := clock.NewFakeClock(midPeriod)

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    svcRepo,
		Catalog: plan.NewCatalog(holder),
		Billing: holder,
	})
	return &testEnv{svc: svc, db: db, clock: clk, node: node, repo: repo}
}

func (e *testEnv) seed(t *testing.T, orgID, planID string, amount int64, status subscriptiondomain.SubscriptionStatus, opts ...func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:                 e.node.Generate(),
		OrgID:              orgID,
		PlanID:             planID,
		Status:             status,
		BillingInterval:    plan.IntervalMonthly,
		Amount:             amount,
		Currency:           "USD",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		Version:            1,
		CreatedAt:          periodStart,
		UpdatedAt:          periodStart,
	}
	for _, opt := range opts {
		opt(sub)
	}
	require.NoError(t, e.repo.Insert(context.Background(), e.db, sub))
	return sub
}

func (e *testEnv) history(t *testing.T, orgID string) []subscriptiondomain.SubscriptionTransition {
	t.Helper()
	items, err := e.svc.History(context.Background(), orgID)
	require.NoError(t, err)
	return items
}

func TestCreateSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)

	resp, err := env.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_trial", PlanID: "Starter", UserID: "user_12345678"})
	require.NoError(t, err)
	sub := resp.Subscription
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	assert.Equal(t, "starter", sub.PlanID)
	assert.Equal(t, int64(49900), sub.Amount)
	require.NotNil(t, sub.TrialEnd)
	assert.True(t, sub.TrialEnd.Equal(midPeriod.AddDate(0, 0, 14)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(*sub.TrialEnd))

	ref, err := txref.Parse(resp.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, "starter", ref.PlanID)
	assert.Equal(t, "user1234", ref.UserPrefix)

	_, err = env.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_trial", PlanID: "growth"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)

	free, err := env.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_free", PlanID: "free"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, free.Subscription.Status)
	assert.Empty(t, free.TransactionRef)

	noTrial := config.DefaultBillingConfig()
	noTrial.Plans[2].TrialDays = 0
	env2 := newTestEnv(t, noTrial, nil)
	paid, err := env2.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_paid", PlanID: "growth", BillingInterval: "yearly"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusIncomplete, paid.Subscription.Status)
	assert.Equal(t, int64(863000), paid.Subscription.Amount)
	assert.True(t, paid.Subscription.CurrentPeriodEnd.Equal(midPeriod.AddDate(1, 0, 0)))

	_, err = env.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_x", PlanID: "platinum"})
	assert.ErrorIs(t, err, plan.ErrPlanNotFound)
}

func TestPreviewIsPure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	seeded := env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	preview, err := env.svc.Preview(ctx, "org_1", "growth", "")
	require.NoError(t, err)
	assert.True(t, preview.IsUpgrade)
	assert.Equal(t, 15, preview.DaysRemaining)
	assert.Equal(t, int64(24950), preview.Credit)
	assert.Equal(t, int64(44950), preview.Charge)
	assert.Equal(t, int64(20000), preview.Amount)
	assert.True(t, preview.EffectiveDate.Equal(midPeriod))

	current, err := env.svc.GetByOrg(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, seeded.Version, current.Version)
	assert.Equal(t, "starter", current.PlanID)

	_, err = env.svc.Preview(ctx, "org_1", "starter", "monthly")
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanUnchanged)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestApplyUpgradeIsImmediate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusPastDue, func(s *subscriptiondomain.Subscription) {
		s.CancelAtPeriodEnd = true
		canceledAt := periodStart.AddDate(0, 0, 2)
		s.CanceledAt = &canceledAt
		s.FailedPaymentAttempts = 1
	})

	_, err := env.svc.ApplyPlanChange(ctx, subscriptiondomain.ChangePlanRequest{
		OrgID:   "org_1",
		PlanID:  "growth",
		Preview: &subscriptiondomain.ProrationPreview{NewPlanID: "starter"},
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPreviewMismatch)

	resp, err := env.svc.ApplyPlanChange(ctx, subscriptiondomain.ChangePlanRequest{
		OrgID:   "org_1",
		PlanID:  "growth",
		UserID:  "user_abc",
		Preview: &subscriptiondomain.ProrationPreview{NewPlanID: "growth", Proration: subscriptiondomain.Proration{Amount: 1}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.Equal(t, int64(20000), resp.Preview.Amount)

	sub := resp.Subscription
	assert.Equal(t, "growth", sub.PlanID)
	assert.Equal(t, int64(89900), sub.Amount)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.CanceledAt)
	assert.Equal(t, 0, sub.FailedPaymentAttempts)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))

	require.NotNil(t, resp.PendingCharge)
	assert.Equal(t, int64(20000), resp.PendingCharge.Amount)
	assert.True(t, txref.IsRef(resp.PendingCharge.TransactionRef))

	charges, err := env.repo.ListPendingCharges(ctx, env.db, "org_1", subscriptiondomain.ChargeStatusPending)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, "starter", charges[0].FromPlanID)

	history := env.history(t, "org_1")
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.CausePlanUpgrade, history[0].Cause)
}

func TestUpgradeLeavesIncompleteSubscriptionWaitingForPayment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusIncomplete)

	resp, err := env.svc.ApplyPlanChange(ctx, subscriptiondomain.ChangePlanRequest{OrgID: "org_1", PlanID: "growth"})
	require.NoError(t, err)
	assert.True(t, resp.Applied)
	assert.Equal(t, "growth", resp.Subscription.PlanID)
	assert.Equal(t, int64(89900), resp.Subscription.Amount)
	assert.Equal(t, subscriptiondomain.StatusIncomplete, resp.Subscription.Status)
	assert.Empty(t, env.history(t, "org_1"))

	sub, err := env.svc.AttachExternalRefs(ctx, "org_1", subscriptiondomain.ExternalRefs{
		SubscriptionRef: "SUB_1",
		Activate:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, "growth", sub.PlanID)
}

func TestApplyDowngradeIsDeferredToRollover(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "growth", 89900, subscriptiondomain.StatusActive)

	resp, err := env.svc.ApplyPlanChange(ctx, subscriptiondomain.ChangePlanRequest{OrgID: "org_1", PlanID: "starter"})
	require.NoError(t, err)
	assert.False(t, resp.Applied)
	assert.Nil(t, resp.PendingCharge)
	assert.Equal(t, "growth", resp.Subscription.PlanID)
	require.NotNil(t, resp.Subscription.PendingPlanID)
	assert.Equal(t, "starter", *resp.Subscription.PendingPlanID)
	assert.True(t, resp.Preview.EffectiveDate.Equal(periodEnd))

	rolled, err := env.svc.RollPeriod(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "growth", rolled.PlanID, "period has not ended yet")

	env.clock.Set(periodEnd.Add(time.Hour))
	rolled, err = env.svc.RollPeriod(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "starter", rolled.PlanID)
	assert.Equal(t, int64(49900), rolled.Amount)
	assert.Nil(t, rolled.PendingPlanID)
	assert.True(t, rolled.CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, rolled.CurrentPeriodEnd.Equal(periodEnd.AddDate(0, 1, 0)))
}

func TestRollPeriodCancelsScheduledSubscription(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	_, err := env.svc.ScheduleCancellation(ctx, "org_1", "too_expensive", "  ")
	require.NoError(t, err)

	env.clock.Set(periodEnd)
	sub, err := env.svc.RollPeriod(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	assert.Equal(t, "too_expensive", *sub.CancellationReason)
	assert.Nil(t, sub.CancellationFeedback)

	history := env.history(t, "org_1")
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.CausePeriodEndCancel, history[0].Cause)

	_, err = env.svc.RollPeriod(ctx, "org_1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestReactivateGuard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	_, err := env.svc.Reactivate(ctx, "org_1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrNotScheduled)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	scheduled, err := env.svc.ScheduleCancellation(ctx, "org_1", "switching", "")
	require.NoError(t, err)
	assert.True(t, scheduled.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.StatusActive, scheduled.Status)
	require.NotNil(t, scheduled.CanceledAt)

	reactivated, err := env.svc.Reactivate(ctx, "org_1")
	require.NoError(t, err)
	assert.False(t, reactivated.CancelAtPeriodEnd)
	assert.Nil(t, reactivated.CanceledAt)
	assert.Equal(t, subscriptiondomain.StatusActive, reactivated.Status)

	_, err = env.svc.ScheduleCancellation(ctx, "org_1", "", "")
	require.NoError(t, err)
	env.clock.Set(periodEnd.Add(time.Minute))
	_, err = env.svc.Reactivate(ctx, "org_1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrPeriodEnded)
	assert.Empty(t, env.history(t, "org_1"))
}

func TestTransitionEnforcesStateTable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	_, err := env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusTrialing, subscriptiondomain.CauseTrialExpired)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, err.Error(), "active to trialing")

	_, err = env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusPaused, subscriptiondomain.CausePaymentFailed)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	same, err := env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusActive, subscriptiondomain.CauseChargeSucceeded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version)

	canceled, err := env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusCanceled, subscriptiondomain.CauseProcessorDisabled)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, canceled.Status)
	assert.Equal(t, int64(2), canceled.Version)

	_, err = env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusActive, subscriptiondomain.CauseChargeSucceeded)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = env.svc.Transition(ctx, "org_1", "unknown", subscriptiondomain.CauseChargeSucceeded)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestPaymentFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	sub, err := env.svc.RecordPaymentFailure(ctx, "org_1", "")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)

	sub, err = env.svc.RecordPaymentFailure(ctx, "org_1", "")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	assert.Equal(t, 2, sub.FailedPaymentAttempts)

	sub, err = env.svc.RecordPaymentFailure(ctx, "org_1", "")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)

	history := env.history(t, "org_1")
	require.Len(t, history, 2)
	assert.Equal(t, subscriptiondomain.CausePaymentFailed, history[0].Cause)
	assert.Equal(t, subscriptiondomain.CauseRetriesExhausted, history[1].Cause)

	sub, err = env.svc.RecordPaymentFailure(ctx, "org_1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, sub.FailedPaymentAttempts, "canceled subscriptions are left alone")
}

func TestPaymentFailureCountedOncePerEvent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive)

	for i := 0; i < 3; i++ {
		sub, err := env.svc.RecordPaymentFailure(ctx, "org_1", "evt_1")
		require.NoError(t, err)
		assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
		assert.Equal(t, 1, sub.FailedPaymentAttempts)
	}

	sub, err := env.svc.RecordPaymentFailure(ctx, "org_1", "evt_2")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.FailedPaymentAttempts)
	assert.Len(t, env.history(t, "org_1"), 1)
}

func TestPaymentSuccessRecoversPastDue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusPastDue, func(s *subscriptiondomain.Subscription) {
		s.FailedPaymentAttempts = 2
	})

	sub, err := env.svc.RecordPaymentSuccess(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, 0, sub.FailedPaymentAttempts)

	again, err := env.svc.RecordPaymentSuccess(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, sub.Version, again.Version)

	history := env.history(t, "org_1")
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.CauseRetrySucceeded, history[0].Cause)
}

func TestExpireTrialFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	trialEnd := midPeriod.Add(-time.Hour)
	trial := func(s *subscriptiondomain.Subscription) {
		s.TrialStart = &periodStart
		s.TrialEnd = &trialEnd
	}

	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusTrialing, trial)
	expired, err := env.svc.ListExpiredTrials(ctx, env.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	sub, err := env.svc.ExpireTrial(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)

	pastDue := config.DefaultBillingConfig()
	pastDue.TrialExpiryPolicy = config.TrialExpiryPastDue
	env2 := newTestEnv(t, pastDue, nil)
	env2.seed(t, "org_2", "starter", 49900, subscriptiondomain.StatusTrialing, trial)
	sub, err = env2.svc.ExpireTrial(ctx, "org_2")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
}

func TestAttachExternalRefsActivatesTrial(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, config.DefaultBillingConfig(), nil)
	resp, err := env.svc.Create(ctx, subscriptiondomain.CreateRequest{OrgID: "org_1", PlanID: "starter"})
	require.NoError(t, err)

	org, err := env.svc.ResolveOrg(ctx, subscriptiondomain.OrgLookup{TransactionRef: resp.TransactionRef})
	require.NoError(t, err)
	assert.Equal(t, "org_1", org)

	env.clock.Advance(48 * time.Hour)
	sub, err := env.svc.AttachExternalRefs(ctx, "org_1", subscriptiondomain.ExternalRefs{
		SubscriptionRef: "SUB_abc",
		CustomerRef:     "CUS_xyz",
		Activate:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodStart.Equal(env.clock.Now()))
	assert.True(t, sub.CurrentPeriodEnd.Equal(env.clock.Now().AddDate(0, 1, 0)))

	org, err = env.svc.ResolveOrg(ctx, subscriptiondomain.OrgLookup{CustomerRef: "CUS_xyz"})
	require.NoError(t, err)
	assert.Equal(t, "org_1", org)

	_, err = env.svc.ResolveOrg(ctx, subscriptiondomain.OrgLookup{SubscriptionRef: "SUB_missing"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	history := env.history(t, "org_1")
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.CausePaymentMethodAdded, history[0].Cause)
}

// staleRepo serves an outdated copy of the subscription on the first read,
// as if another writer committed between our read and our update.
type staleRepo struct {
	subscriptiondomain.Repository
	stale  *subscriptiondomain.Subscription
	served int
}

func (r *staleRepo) FindCurrentByOrg(ctx context.Context, db *gorm.DB, orgID string) (*subscriptiondomain.Subscription, error) {
	if r.served == 0 {
		r.served++
		cp := *r.stale
		return &cp, nil
	}
	r.served++
	return r.Repository.FindCurrentByOrg(ctx, db, orgID)
}

func TestStaleWriteNeverResurrectsCanceledSubscription(t *testing.T) {
	ctx := context.Background()
	stale := &staleRepo{}
	env := newTestEnv(t, config.DefaultBillingConfig(), func(r subscriptiondomain.Repository) subscriptiondomain.Repository {
		stale.Repository = r
		return stale
	})
	seeded := env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusCanceled, func(s *subscriptiondomain.Subscription) {
		s.Version = 2
	})
	old := *seeded
	old.Status = subscriptiondomain.StatusPastDue
	old.Version = 1
	stale.stale = &old

	_, err := env.svc.Transition(ctx, "org_1", subscriptiondomain.StatusActive, subscriptiondomain.CauseRetrySucceeded)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 2, stale.served, "conflict must trigger a fresh read")

	current, err := env.svc.GetByOrg(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, current.Status)
	assert.Equal(t, int64(2), current.Version)
}

func TestVersionConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	stale := &staleRepo{}
	env := newTestEnv(t, config.DefaultBillingConfig(), func(r subscriptiondomain.Repository) subscriptiondomain.Repository {
		stale.Repository = r
		return stale
	})
	seeded := env.seed(t, "org_1", "starter", 49900, subscriptiondomain.StatusActive, func(s *subscriptiondomain.Subscription) {
		s.Version = 5
	})
	old := *seeded
	old.Version = 4
	stale.stale = &old

	sub, err := env.svc.ScheduleCancellation(ctx, "org_1", "budget", "")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, int64(6), sub.Version)
}
