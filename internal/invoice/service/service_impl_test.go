package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/billforge/internal/invoice/repository"
	"github.com/smallbiznis/billforge/internal/payment/processor"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billforge/internal/subscription/repository"
	"github.com/smallbiznis/billforge/internal/testutil"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	usagerepo "github.com/smallbiznis/billforge/internal/usage/repository"
	usageservice "github.com/smallbiznis/billforge/internal/usage/service"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	marchStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	aprilStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	svc       invoicedomain.Service
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	subRepo   subscriptiondomain.Repository
	usageSvc  usagedomain.Service
	processor *testutil.FakeProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	db := testutil.OpenDB(t,
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PendingCharge{},
		&usagedomain.UsageRecord{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
	)
	clk := clock.NewFakeClock(aprilStart.Add(time.Hour))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  usagerepo.Provide(),
	})
	fake := testutil.NewFakeProcessor()
	subRepo := subscriptionrepo.Provide()

	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      invoicerepo.Provide(),
		SubRepo:   subRepo,
		UsageSvc:  usageSvc,
		Catalog:   plan.NewCatalog(holder),
		Billing:   holder,
		Processor: fake,
	})
	return &testEnv{svc: svc, db: db, node: node, clock: clk, subRepo: subRepo, usageSvc: usageSvc, processor: fake}
}

func (e *testEnv) seedSubscription(t *testing.T, orgID, planID string, amount int64) *subscriptiondomain.Subscription {
	t.Helper()
	customer := "CUS_" + orgID
	sub := &subscriptiondomain.Subscription{
		ID:                  e.node.Generate(),
		OrgID:               orgID,
		PlanID:              planID,
		Status:              subscriptiondomain.StatusActive,
		BillingInterval:     plan.IntervalMonthly,
		Amount:              amount,
		Currency:            "USD",
		CurrentPeriodStart:  marchStart,
		CurrentPeriodEnd:    aprilStart,
		ExternalCustomerRef: &customer,
		Version:             1,
		CreatedAt:           marchStart,
		UpdatedAt:           marchStart,
	}
	require.NoError(t, e.subRepo.Insert(context.Background(), e.db, sub))
	return sub
}

func (e *testEnv) recordUsage(t *testing.T, orgID, usageType string, quantity int64, at time.Time) {
	t.Helper()
	_, err := e.usageSvc.Record(context.Background(), []usagedomain.UsageRecord{{
		OrgID:          orgID,
		UsageType:      usageType,
		Quantity:       quantity,
		OccurredAt:     at,
		IdempotencyKey: orgID + ":" + usageType + ":" + at.String(),
	}})
	require.NoError(t, err)
}

func (e *testEnv) seedCharge(t *testing.T, sub *subscriptiondomain.Subscription, amount int64) *subscriptiondomain.PendingCharge {
	t.Helper()
	charge := &subscriptiondomain.PendingCharge{
		ID:             e.node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Amount:         amount,
		Currency:       "USD",
		FromPlanID:     "starter",
		ToPlanID:       "growth",
		TransactionRef: "BF-growth-1741000000000-abc123",
		Status:         subscriptiondomain.ChargeStatusPending,
		CreatedAt:      marchStart,
		UpdatedAt:      marchStart,
	}
	require.NoError(t, e.subRepo.InsertPendingCharge(context.Background(), e.db, charge))
	return charge
}

func TestGenerateBuildsLinesAndSubmits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sub := env.seedSubscription(t, "org_a", "growth", 89900)
	env.recordUsage(t, "org_a", "ai_message", 20500, marchStart.Add(48*time.Hour))
	env.recordUsage(t, "org_a", "document_scan", 10, marchStart.Add(72*time.Hour))
	env.recordUsage(t, "org_a", "ai_message", 999, aprilStart.Add(time.Minute))
	charge := env.seedCharge(t, sub, 20000)

	invoice, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)

	assert.Equal(t, int64(89900+500+20000), invoice.Total)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
	require.NotNil(t, invoice.ExternalInvoiceRef)
	require.NotNil(t, invoice.DueAt)
	assert.True(t, invoice.DueAt.Equal(env.clock.Now().AddDate(0, 0, 7)))

	kinds := map[invoicedomain.LineItemKind]int64{}
	for _, line := range invoice.LineItems {
		kinds[line.Kind] += line.Amount
	}
	assert.Equal(t, int64(89900), kinds[invoicedomain.LineItemBase])
	assert.Equal(t, int64(500), kinds[invoicedomain.LineItemUsage])
	assert.Equal(t, int64(20000), kinds[invoicedomain.LineItemProration])

	require.Equal(t, 1, env.processor.CreatedCount())
	assert.Equal(t, invoice.ID.String(), env.processor.Created[0].IdempotencyKey)
	assert.Equal(t, "CUS_org_a", env.processor.Created[0].CustomerRef)

	stored, err := env.subRepo.FindPendingChargeByRef(ctx, env.db, charge.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.ChargeStatusInvoiced, stored.Status)
	require.NotNil(t, stored.InvoiceID)
	assert.Equal(t, invoice.ID, *stored.InvoiceID)
}

func TestGenerateSamePeriodReturnsExisting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)

	first, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)

	_, err = env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	var dup *invoicedomain.DuplicatePeriodError
	require.True(t, errors.As(err, &dup))
	assert.True(t, errors.Is(err, apperr.ErrDuplicatePeriod))
	assert.Equal(t, first.ID, dup.Existing.ID)
	assert.Equal(t, 1, env.processor.CreatedCount())

	var count int64
	require.NoError(t, env.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateZeroTotalIsPaidWithoutSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscription(t, "org_free", "free", 0)
	env.recordUsage(t, "org_free", "ai_message", 5000, marchStart.Add(time.Hour))

	invoice, err := env.svc.Generate(context.Background(), invoicedomain.GenerateRequest{OrgID: "org_free"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), invoice.Total)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	assert.NotNil(t, invoice.PaidAt)
	assert.Equal(t, 0, env.processor.CreatedCount())
}

func TestFailedSubmissionLeavesDraftForResubmit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)
	env.processor.CreateErr = processor.ErrRequestFailed

	invoice, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)

	env.processor.CreateErr = nil
	result, err := env.svc.SyncStatus(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, result.Invoice.Status)
}

func TestGenerateRejectsInvertedPeriod(t *testing.T) {
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)

	_, err := env.svc.Generate(context.Background(), invoicedomain.GenerateRequest{
		OrgID:       "org_a",
		PeriodStart: &aprilStart,
		PeriodEnd:   &marchStart,
	})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}

func TestSyncStatusAppliesProcessorPaid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sub := env.seedSubscription(t, "org_a", "growth", 89900)
	charge := env.seedCharge(t, sub, 20000)

	invoice, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)

	result, err := env.svc.SyncStatus(ctx, invoice.ID)
	require.NoError(t, err)
	assert.False(t, result.Changed)

	env.processor.SetInvoiceStatus(*invoice.ExternalInvoiceRef, processor.InvoiceStatusPaid)
	result, err = env.svc.SyncStatus(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Invoice.Status)

	stored, err := env.subRepo.FindPendingChargeByRef(ctx, env.db, charge.TransactionRef)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.ChargeStatusSettled, stored.Status)
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)
	invoice, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)
	id := invoice.ID.String()

	_, err = env.svc.UpdateStatus(ctx, invoicedomain.UpdateStatusRequest{OrgID: "org_a", ID: id, Status: invoicedomain.InvoiceStatusDraft})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	failed, err := env.svc.UpdateStatus(ctx, invoicedomain.UpdateStatusRequest{OrgID: "org_a", ID: id, Status: "failed"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, failed.Status)

	paid, err := env.svc.UpdateStatus(ctx, invoicedomain.UpdateStatusRequest{OrgID: "org_a", ID: id, Status: "paid"})
	require.NoError(t, err)
	assert.NotNil(t, paid.PaidAt)

	_, err = env.svc.UpdateStatus(ctx, invoicedomain.UpdateStatusRequest{OrgID: "org_a", ID: id, Status: "void"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	_, err = env.svc.UpdateStatus(ctx, invoicedomain.UpdateStatusRequest{OrgID: "org_other", ID: id, Status: "void"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestMarkPaidAndFailedByRef(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)
	invoice, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)
	ref := invoicedomain.Ref{ExternalRef: *invoice.ExternalInvoiceRef}

	failed, err := env.svc.MarkFailed(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, failed.Status)

	paid, err := env.svc.MarkPaid(ctx, invoicedomain.Ref{ID: invoice.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)

	stale, err := env.svc.MarkFailed(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stale.Status)

	_, err = env.svc.MarkPaid(ctx, invoicedomain.Ref{ExternalRef: "PRQ_missing"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestListPagesByID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)

	for month := 0; month < 3; month++ {
		start := marchStart.AddDate(0, month, 0)
		end := start.AddDate(0, 1, 0)
		_, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a", PeriodStart: &start, PeriodEnd: &end})
		require.NoError(t, err)
	}

	req := invoicedomain.ListInvoiceRequest{OrgID: "org_a"}
	req.PageSize = 2
	first, err := env.svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Invoices, 2)
	assert.True(t, first.HasMore)

	req.PageToken = first.NextPageToken
	second, err := env.svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Invoices, 1)
	assert.False(t, second.HasMore)
	assert.True(t, second.Invoices[0].PeriodStart.Equal(marchStart))
}

func TestListOverdue(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedSubscription(t, "org_a", "starter", 49900)
	_, err := env.svc.Generate(ctx, invoicedomain.GenerateRequest{OrgID: "org_a"})
	require.NoError(t, err)

	overdue, err := env.svc.ListOverdue(ctx, env.clock.Now().AddDate(0, 0, 6))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = env.svc.ListOverdue(ctx, env.clock.Now().AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Len(t, overdue, 1)
}
