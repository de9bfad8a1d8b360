package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/billforge/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/billforge/internal/invoice/service"
	"github.com/smallbiznis/billforge/internal/lock"
	"github.com/smallbiznis/billforge/internal/observability"
	paymentdomain "github.com/smallbiznis/billforge/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/billforge/internal/payment/repository"
	"github.com/smallbiznis/billforge/internal/payment/webhook"
	"github.com/smallbiznis/billforge/internal/plan"
	"github.com/smallbiznis/billforge/internal/ratelimit"
	"github.com/smallbiznis/billforge/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billforge/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billforge/internal/subscription/service"
	"github.com/smallbiznis/billforge/internal/testutil"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"github.com/smallbiznis/billforge/internal/usage/meter"
	usagerepo "github.com/smallbiznis/billforge/internal/usage/repository"
	usageservice "github.com/smallbiznis/billforge/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testWebhookSecret = "sk_test_webhook"
	testJobsSecret    = "jobs-secret"
	signatureHeader   = "X-Paystack-Signature"
)

var (
	marchStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	aprilStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	db      *gorm.DB
	node    *snowflake.Node
	subRepo subscriptiondomain.Repository
	meter   *meter.Meter
	jobs    *fakeJobRunner
	engine  *gin.Engine
	server  *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	db := testutil.OpenDB(t,
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionTransition{},
		&subscriptiondomain.PendingCharge{},
		&usagedomain.UsageRecord{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLineItem{},
		&paymentdomain.WebhookEventRecord{},
	)
	clk := clock.NewFakeClock(marchStart.Add(10 * 24 * time.Hour))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	catalog := plan.NewCatalog(holder)
	subRepo := subscriptionrepo.Provide()
	fake := testutil.NewFakeProcessor()

	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    subRepo,
		Catalog: catalog,
		Billing: holder,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  usagerepo.Provide(),
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Repo:      invoicerepo.Provide(),
		SubRepo:   subRepo,
		UsageSvc:  usageSvc,
		Catalog:   catalog,
		Billing:   holder,
		Processor: fake,
	})
	reconciler, err := webhook.NewReconciler(webhook.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          paymentrepo.Provide(),
		Locker:        lock.NewLocalLocker(),
		Subscriptions: subs,
		Invoices:      invoices,
		Processor:     fake,
	})
	require.NoError(t, err)

	env := &testEnv{
		db:      db,
		node:    node,
		subRepo: subRepo,
		meter:   meter.New(usageSvc, clk, zap.NewNop(), nil),
		jobs:    &fakeJobRunner{},
	}

	cfg := config.Config{
		Payment: config.PaymentConfig{
			WebhookSecret:   testWebhookSecret,
			SignatureHeader: signatureHeader,
		},
		Scheduler: config.SchedulerConfig{JobsSecret: testJobsSecret},
	}
	env.engine = NewEngine(EngineParams{
		Log:    zap.NewNop(),
		ObsCfg: observability.Config{Environment: "test"},
	})
	env.server = NewServer(ServerParams{
		Gin:             env.engine,
		Cfg:             cfg,
		Log:             zap.NewNop(),
		Usage:           env.meter,
		Webhooks:        reconciler,
		SubscriptionSvc: subs,
		InvoiceSvc:      invoices,
		Catalog:         catalog,
		Jobs:            env.jobs,
	})
	return env
}

func (e *testEnv) seed(t *testing.T, orgID string, status subscriptiondomain.SubscriptionStatus) *subscriptiondomain.Subscription {
	t.Helper()
	customer := "CUS_" + orgID
	sub := &subscriptiondomain.Subscription{
		ID:                  e.node.Generate(),
		OrgID:               orgID,
		PlanID:              "starter",
		Status:              status,
		BillingInterval:     plan.IntervalMonthly,
		Amount:              49900,
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

func (e *testEnv) status(t *testing.T, orgID string) subscriptiondomain.SubscriptionStatus {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, e.db.Where("org_id = ?", orgID).First(&sub).Error)
	return sub.Status
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var raw []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		raw = v
	default:
		raw, _ = json.Marshal(v)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type fakeJobRunner struct {
	mu        sync.Mutex
	runs      []string
	scheduled int
	runErr    error
}

func (f *fakeJobRunner) Run(_ context.Context, jobName, periodKey string) (scheduler.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, jobName+"@"+periodKey)
	if f.runErr != nil {
		return scheduler.JobResult{Job: jobName, PeriodKey: periodKey}, f.runErr
	}
	return scheduler.JobResult{Job: jobName, PeriodKey: periodKey, Status: scheduler.JobRunCompleted, Attempt: 1, Processed: 2}, nil
}

func (f *fakeJobRunner) RunScheduled(context.Context) ([]scheduler.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
	return []scheduler.JobResult{{Job: scheduler.JobCheckTrials, Status: scheduler.JobRunCompleted}}, nil
}

func chargeSuccessBody(orgID string) []byte {
	return []byte(`{"event":"charge.success","data":{"id":4242,"reference":"ref_4242","amount":49900,` +
		`"metadata":{"organizationId":"` + orgID + `"},"customer":{"customer_code":"CUS_` + orgID + `"}}}`)
}

func TestWebhookRejectsWrongSecretWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "org_a", subscriptiondomain.StatusIncomplete)
	body := chargeSuccessBody("org_a")

	w := env.do(http.MethodPost, "/webhooks/payments", body, map[string]string{
		signatureHeader: webhook.Sign(body, "not-the-secret"),
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode(t, w)["error"].(map[string]any)["type"])

	var events int64
	require.NoError(t, env.db.Model(&paymentdomain.WebhookEventRecord{}).Count(&events).Error)
	assert.Zero(t, events)
	assert.Equal(t, subscriptiondomain.StatusIncomplete, env.status(t, "org_a"))

	w = env.do(http.MethodPost, "/webhooks/payments", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookAcknowledgesVerifiedEventsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "org_a", subscriptiondomain.StatusIncomplete)
	body := chargeSuccessBody("org_a")
	headers := map[string]string{signatureHeader: webhook.Sign(body, testWebhookSecret)}

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/webhooks/payments", body, headers)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["received"])
	}

	assert.Equal(t, subscriptiondomain.StatusActive, env.status(t, "org_a"))
	var transitions int64
	require.NoError(t, env.db.Model(&subscriptiondomain.SubscriptionTransition{}).Count(&transitions).Error)
	assert.Equal(t, int64(1), transitions)
}

func TestWebhookAcknowledgesUnparseablePayload(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"data":{}}`)

	w := env.do(http.MethodPost, "/webhooks/payments", body, map[string]string{
		signatureHeader: webhook.Sign(body, testWebhookSecret),
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["received"])
}

func TestTrackUsage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/billing/track", gin.H{"eventType": "ai_message"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errBody["type"])
	assert.Equal(t, "organizationId", errBody["errors"].([]any)[0].(map[string]any)["field"])

	w = env.do(http.MethodPost, "/billing/track", gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	for i := 0; i < 3; i++ {
		w = env.do(http.MethodPost, "/billing/track", gin.H{
			"organizationId": "org_a",
			"userId":         "usr_1",
			"eventType":      "ai_message",
			"quantity":       2,
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	out := decode(t, w)
	assert.Equal(t, true, out["tracked"])
	assert.Equal(t, float64(1), out["bufferSize"])

	w = env.do(http.MethodPut, "/billing/track", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	assert.Equal(t, float64(1), out["flushed"])
	assert.Equal(t, float64(0), out["remaining"])

	var total int64
	require.NoError(t, env.db.Model(&usagedomain.UsageRecord{}).
		Where("org_id = ? AND usage_type = ?", "org_a", "ai_message").
		Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error)
	assert.Equal(t, int64(6), total)
}

func TestTrackUsageToleratesMalformedOptionalFields(t *testing.T) {
	env := newTestEnv(t)

	bodies := []string{
		`{"organizationId":"org_a","eventType":"ai_message","quantity":"3","metadata":"oops"}`,
		`{"organizationId":"org_a","eventType":"ai_message","quantity":"lots","metadata":[1,2]}`,
		`{"organizationId":"org_a","eventType":"ai_message","quantity":2.0,"metadata":{"channel":"web"}}`,
	}
	for _, body := range bodies {
		w := env.do(http.MethodPost, "/billing/track", []byte(body), nil)
		require.Equal(t, http.StatusOK, w.Code, body)
		assert.Equal(t, true, decode(t, w)["tracked"])
	}

	w := env.do(http.MethodPut, "/billing/track", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var total int64
	require.NoError(t, env.db.Model(&usagedomain.UsageRecord{}).
		Where("org_id = ? AND usage_type = ?", "org_a", "ai_message").
		Select("COALESCE(SUM(quantity), 0)").Scan(&total).Error)
	assert.Equal(t, int64(6), total)
}

func TestTrackUsageRateLimitedPerOrganization(t *testing.T) {
	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	env.server.trackLimiter = ratelimit.NewTrackLimiter(ratelimit.NewTokenBucket(client), config.UsageConfig{
		TrackRate:  0.001,
		TrackBurst: 2,
	})

	event := func(orgID string) gin.H {
		return gin.H{"organizationId": orgID, "eventType": "ai_message", "quantity": 1}
	}
	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/billing/track", event("org_a"), nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(http.MethodPost, "/billing/track", event("org_a"), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"].(map[string]any)["type"])
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1, env.meter.BufferSize())

	w = env.do(http.MethodPost, "/billing/track", event("org_b"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubscriptionLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/subscriptions", gin.H{
		"organizationId":  "org_a",
		"planId":          "starter",
		"billingInterval": "monthly",
		"userId":          "usr_12345678",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)["data"].(map[string]any)
	assert.Regexp(t, `^BF-starter-\d+-usr12345-[a-z0-9]{6}$`, created["transactionRef"])
	assert.Equal(t, "trialing", created["subscription"].(map[string]any)["status"])

	w = env.do(http.MethodPost, "/subscriptions", gin.H{"organizationId": "org_a", "planId": "starter"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/subscriptions/reactivate", gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_state", decode(t, w)["error"].(map[string]any)["type"])

	w = env.do(http.MethodPost, "/subscriptions/cancel", gin.H{
		"organizationId": "org_a",
		"reason":         "too_expensive",
		"feedback":       "pricing does not fit",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["data"].(map[string]any)["cancelAtPeriodEnd"])

	w = env.do(http.MethodPost, "/subscriptions/reactivate", gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["data"].(map[string]any)["cancelAtPeriodEnd"])

	w = env.do(http.MethodGet, "/subscriptions/current?organizationId=org_a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "starter", decode(t, w)["data"].(map[string]any)["planId"])

	w = env.do(http.MethodGet, "/subscriptions/current?organizationId=org_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPreviewAndChangePlan(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "org_a", subscriptiondomain.StatusActive)

	w := env.do(http.MethodPost, "/subscriptions/preview", gin.H{
		"organizationId":  "org_a",
		"planId":          "growth",
		"billingInterval": "monthly",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	preview := decode(t, w)["data"]

	w = env.do(http.MethodPost, "/subscriptions/change", gin.H{
		"organizationId":  "org_a",
		"planId":          "growth",
		"billingInterval": "monthly",
		"preview":         preview,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, true, out["applied"])
	assert.Equal(t, "growth", out["subscription"].(map[string]any)["planId"])
}

func TestGenerateInvoiceReturnsExistingForDuplicatePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "org_a", subscriptiondomain.StatusActive)

	w := env.do(http.MethodPost, "/billing/invoices", gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)["data"].(map[string]any)

	w = env.do(http.MethodPost, "/billing/invoices", gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode(t, w)
	assert.Equal(t, true, second["duplicate"])
	assert.Equal(t, first["id"], second["data"].(map[string]any)["id"])

	w = env.do(http.MethodGet, "/billing/invoices?organizationId=org_a", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 1)

	id := first["id"].(string)
	w = env.do(http.MethodGet, "/billing/invoices/"+id+"?organizationId=org_b", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPatch, "/billing/invoices/"+id, gin.H{"organizationId": "org_a", "status": "void"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "void", decode(t, w)["data"].(map[string]any)["status"])

	w = env.do(http.MethodPatch, "/billing/invoices/"+id, gin.H{"organizationId": "org_a", "status": "paid"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_state", decode(t, w)["error"].(map[string]any)["type"])

	w = env.do(http.MethodPost, "/billing/invoices/"+id, gin.H{"organizationId": "org_a"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["changed"])
}

func TestRunJobRequiresBearerSecret(t *testing.T) {
	env := newTestEnv(t)
	body := gin.H{"job": scheduler.JobMonthlyBilling, "billingPeriod": "2025-03"}

	w := env.do(http.MethodPost, "/billing/jobs", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/billing/jobs", body, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.jobs.runs)

	w = env.do(http.MethodPost, "/billing/jobs", body, map[string]string{"Authorization": "Bearer " + testJobsSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"monthly_billing@2025-03"}, env.jobs.runs)
	assert.Equal(t, float64(2), decode(t, w)["data"].(map[string]any)["processed"])

	w = env.do(http.MethodPost, "/billing/jobs", gin.H{"job": "scheduled"}, map[string]string{"Authorization": "Bearer " + testJobsSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.jobs.scheduled)
	assert.Len(t, decode(t, w)["results"], 1)
}

func TestRunJobMapsSchedulerErrors(t *testing.T) {
	env := newTestEnv(t)
	auth := map[string]string{"Authorization": "Bearer " + testJobsSecret}

	env.jobs.runErr = scheduler.ErrJobAlreadyRun
	w := env.do(http.MethodPost, "/billing/jobs", gin.H{"job": scheduler.JobMonthlyBilling}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["skipped"])

	env.jobs.runErr = scheduler.ErrUnknownJob.WithMessage("unknown job %q", "nope")
	w = env.do(http.MethodPost, "/billing/jobs", gin.H{"job": "nope"}, auth)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "job", decode(t, w)["error"].(map[string]any)["errors"].([]any)[0].(map[string]any)["field"])

	w = env.do(http.MethodPost, "/billing/jobs", gin.H{}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListPlansAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/billing/plans", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 3)

	w = env.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
