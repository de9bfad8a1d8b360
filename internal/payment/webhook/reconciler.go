package webhook

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/smallbiznis/billforge/internal/clock"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"github.com/smallbiznis/billforge/internal/lock"
	"github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/billforge/internal/payment/domain"
	"github.com/smallbiznis/billforge/internal/payment/processor"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const processedCacheSize = 4096

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeFailed           Outcome = "failed"
)

// Result reports what Handle did with one event.
type Result struct {
	Outcome   Outcome
	EventID   string
	EventType string
	OrgID     string
	Err       error
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          paymentdomain.Repository
	Locker        lock.Locker
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service
	Processor     processor.Client
	Metrics       *metrics.BillingMetrics `optional:"true"`
}

// Reconciler applies processor events to local state exactly once per
// external event id.
type Reconciler struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	locker        lock.Locker
	subscriptions subscriptiondomain.Service
	invoices      invoicedomain.Service
	processor     processor.Client
	metrics       *metrics.BillingMetrics
	processed     *lru.Cache[string, struct{}]
}

func NewReconciler(p Params) (*Reconciler, error) {
	processed, err := lru.New[string, struct{}](processedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		db:            p.DB,
		log:           p.Log.Named("payment.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		locker:        p.Locker,
		subscriptions: p.Subscriptions,
		invoices:      p.Invoices,
		processor:     p.Processor,
		metrics:       p.Metrics,
		processed:     processed,
	}, nil
}

func (r *Reconciler) Handle(ctx context.Context, event paymentdomain.Event) Result {
	ctx, span := otel.Tracer("billforge/payment").Start(ctx, "webhook.handle")
	defer span.End()

	res := r.handle(ctx, event)
	span.SetAttributes(
		attribute.String("webhook.event_type", res.EventType),
		attribute.String("webhook.outcome", string(res.Outcome)),
	)
	r.metrics.IncWebhookEvent(res.EventType, string(res.Outcome))

	log := logger.WithContext(ctx, r.log).With(
		zap.String("event_id", res.EventID),
		zap.String("event_type", res.EventType),
		zap.String("outcome", string(res.Outcome)),
	)
	if res.OrgID != "" {
		log = logger.WithOrg(log, res.OrgID)
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		log.Error("webhook event failed", zap.Error(res.Err))
	} else {
		log.Info("webhook event handled")
	}
	return res
}

func (r *Reconciler) handle(ctx context.Context, event paymentdomain.Event) Result {
	res := Result{EventID: event.ExternalID(), EventType: event.Type()}
	if _, ok := event.(paymentdomain.UnknownEvent); ok {
		res.Outcome = OutcomeIgnored
		return res
	}
	if r.processed.Contains(res.EventID) {
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}

	orgID, err := r.resolveOrg(ctx, event.Hint())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			res.Outcome = OutcomeIgnored
			logger.WithContext(ctx, r.log).Warn("webhook event has no matching organization",
				zap.String("event_id", res.EventID),
				zap.String("event_type", res.EventType),
			)
			return res
		}
		return failed(res, err)
	}
	res.OrgID = orgID

	unlock, err := r.locker.Acquire(ctx, "org:"+orgID)
	if err != nil {
		return failed(res, err)
	}
	defer unlock()

	record, err := r.repo.FindEvent(ctx, r.db, res.EventID)
	if err != nil {
		return failed(res, err)
	}
	if record == nil {
		record = &paymentdomain.WebhookEventRecord{
			ID:              r.genID.Generate(),
			ExternalEventID: res.EventID,
			EventType:       res.EventType,
			OrgID:           orgID,
			ReceivedAt:      r.clock.Now(),
		}
		inserted, err := r.repo.InsertEvent(ctx, r.db, record)
		if err != nil {
			return failed(res, err)
		}
		if !inserted {
			if record, err = r.repo.FindEvent(ctx, r.db, res.EventID); err != nil {
				return failed(res, err)
			}
		}
	}
	if record.ProcessedAt != nil {
		r.processed.Add(res.EventID, struct{}{})
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}

	if err := r.dispatch(ctx, orgID, event); err != nil {
		return failed(res, err)
	}

	if err := r.repo.MarkProcessed(ctx, r.db, record.ID, r.clock.Now()); err != nil {
		return failed(res, err)
	}
	r.processed.Add(res.EventID, struct{}{})
	res.Outcome = OutcomeApplied
	return res
}

func failed(res Result, err error) Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	return res
}

func (r *Reconciler) resolveOrg(ctx context.Context, hint paymentdomain.OrgHint) (string, error) {
	if orgID := strings.TrimSpace(hint.OrgID); orgID != "" {
		return orgID, nil
	}
	return r.subscriptions.ResolveOrg(ctx, subscriptiondomain.OrgLookup{
		SubscriptionRef: hint.SubscriptionRef,
		CustomerRef:     hint.CustomerRef,
		TransactionRef:  hint.TransactionRef,
	})
}

func (r *Reconciler) dispatch(ctx context.Context, orgID string, event paymentdomain.Event) error {
	switch e := event.(type) {
	case paymentdomain.SubscriptionCreated:
		return r.onSubscriptionCreated(ctx, orgID, e)
	case paymentdomain.SubscriptionDisabled:
		return r.onSubscriptionDisabled(ctx, orgID)
	case paymentdomain.ChargeSucceeded:
		return r.onChargeSucceeded(ctx, orgID, e)
	case paymentdomain.InvoicePaymentFailed:
		return r.onInvoicePaymentFailed(ctx, orgID, e)
	}
	return nil
}

func (r *Reconciler) onSubscriptionCreated(ctx context.Context, orgID string, e paymentdomain.SubscriptionCreated) error {
	_, err := r.subscriptions.AttachExternalRefs(ctx, orgID, subscriptiondomain.ExternalRefs{
		SubscriptionRef: e.SubscriptionRef,
		CustomerRef:     e.CustomerRef,
		Activate:        e.Status == "active",
	})
	return r.tolerate(ctx, orgID, "subscription created event not applied", err)
}

func (r *Reconciler) onSubscriptionDisabled(ctx context.Context, orgID string) error {
	_, err := r.subscriptions.Transition(ctx, orgID, subscriptiondomain.StatusCanceled, subscriptiondomain.CauseProcessorDisabled)
	return r.tolerate(ctx, orgID, "subscription disabled event not applied", err)
}

func (r *Reconciler) onChargeSucceeded(ctx context.Context, orgID string, e paymentdomain.ChargeSucceeded) error {
	if e.SubscriptionRef != "" || e.CustomerRef != "" {
		_, err := r.subscriptions.AttachExternalRefs(ctx, orgID, subscriptiondomain.ExternalRefs{
			SubscriptionRef: e.SubscriptionRef,
			CustomerRef:     e.CustomerRef,
		})
		if err := r.tolerate(ctx, orgID, "charge references not attached", err); err != nil {
			return err
		}
	}

	ref := invoicedomain.Ref{ID: e.InvoiceID, ExternalRef: e.InvoiceRef}
	if !ref.IsZero() {
		_, err := r.invoices.MarkPaid(ctx, ref)
		if err := r.tolerate(ctx, orgID, "invoice not marked paid", err); err != nil {
			return err
		}
	}

	if _, err := r.subscriptions.SettleChargeByRef(ctx, e.Reference); err != nil {
		return err
	}

	_, err := r.subscriptions.RecordPaymentSuccess(ctx, orgID)
	return r.tolerate(ctx, orgID, "payment success not applied to subscription", err)
}

func (r *Reconciler) onInvoicePaymentFailed(ctx context.Context, orgID string, e paymentdomain.InvoicePaymentFailed) error {
	ref := invoicedomain.Ref{ID: e.InvoiceID, ExternalRef: e.InvoiceRef}
	if !ref.IsZero() {
		_, err := r.invoices.MarkFailed(ctx, ref)
		if err := r.tolerate(ctx, orgID, "invoice not marked failed", err); err != nil {
			return err
		}
	}
	_, err := r.subscriptions.RecordPaymentFailure(ctx, orgID, e.ExternalID())
	return r.tolerate(ctx, orgID, "payment failure not applied to subscription", err)
}

// tolerate swallows errors that retrying the event cannot fix: missing
// local rows and transitions the current state does not allow.
func (r *Reconciler) tolerate(ctx context.Context, orgID, msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidState) {
		logger.WithOrg(logger.WithContext(ctx, r.log), orgID).Warn(msg, zap.Error(err))
		return nil
	}
	return err
}

// SyncSubscription compares the processor's subscription with the local one
// and applies drift: a disabled remote cancels locally, an active remote
// activates a waiting subscription. It reports whether anything changed.
func (r *Reconciler) SyncSubscription(ctx context.Context, orgID string) (bool, error) {
	sub, err := r.subscriptions.GetByOrg(ctx, orgID)
	if err != nil {
		return false, err
	}
	if sub.ExternalSubscriptionRef == nil || sub.Status == subscriptiondomain.StatusCanceled {
		return false, nil
	}

	remote, err := r.processor.FetchSubscription(ctx, *sub.ExternalSubscriptionRef)
	if err != nil {
		return false, err
	}

	unlock, err := r.locker.Acquire(ctx, "org:"+sub.OrgID)
	if err != nil {
		return false, err
	}
	defer unlock()

	var updated *subscriptiondomain.Subscription
	switch {
	case remote.Disabled():
		updated, err = r.subscriptions.Transition(ctx, sub.OrgID, subscriptiondomain.StatusCanceled, subscriptiondomain.CauseProcessorDisabled)
	case remote.Active():
		updated, err = r.subscriptions.AttachExternalRefs(ctx, sub.OrgID, subscriptiondomain.ExternalRefs{
			SubscriptionRef: remote.Ref,
			CustomerRef:     remote.CustomerRef,
			Activate:        true,
		})
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}

	changed := updated.Status != sub.Status || updated.Version != sub.Version
	if changed {
		logger.WithOrg(logger.WithContext(ctx, r.log), sub.OrgID).Info("subscription drift corrected",
			zap.String("remote_status", remote.Status),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(updated.Status)),
		)
	}
	return changed, nil
}
