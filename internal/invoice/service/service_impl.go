package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/internal/clock"
	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"github.com/smallbiznis/billforge/internal/invoice/format"
	"github.com/smallbiznis/billforge/internal/observability/logger"
	"github.com/smallbiznis/billforge/internal/observability/metrics"
	"github.com/smallbiznis/billforge/internal/payment/processor"
	"github.com/smallbiznis/billforge/internal/plan"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billforge/internal/usage/domain"
	"github.com/smallbiznis/billforge/pkg/db"
	"github.com/smallbiznis/billforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxConflictRetries = 3

var errUnchanged = errors.New("invoice unchanged")

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      invoicedomain.Repository
	SubRepo   subscriptiondomain.Repository
	UsageSvc  usagedomain.Service
	Catalog   plan.Catalog
	Billing   *config.BillingConfigHolder
	Processor processor.Client
	Metrics   *metrics.BillingMetrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      invoicedomain.Repository
	subRepo   subscriptiondomain.Repository
	usageSvc  usagedomain.Service
	catalog   plan.Catalog
	billing   *config.BillingConfigHolder
	processor processor.Client
	metrics   *metrics.BillingMetrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		subRepo:   p.SubRepo,
		usageSvc:  p.UsageSvc,
		catalog:   p.Catalog,
		billing:   p.Billing,
		processor: p.Processor,
		metrics:   p.Metrics,
	}
}

func (s *Service) Generate(ctx context.Context, req invoicedomain.GenerateRequest) (*invoicedomain.Invoice, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	log := logger.WithOrg(logger.WithContext(ctx, s.log), orgID)

	sub, err := s.subRepo.FindCurrentByOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	start, end := sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC()
	if req.PeriodStart != nil {
		start = req.PeriodStart.UTC()
	}
	if req.PeriodEnd != nil {
		end = req.PeriodEnd.UTC()
	}
	if !end.After(start) {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	existing, err := s.repo.FindByPeriod(ctx, s.db, orgID, start, end)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, s.duplicate(ctx, existing)
	}

	usage, err := s.usageSvc.SumForPeriod(ctx, orgID, start, end)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	invoice := &invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: sub.ID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Currency:       sub.Currency,
		Status:         invoicedomain.InvoiceStatusDraft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	lines := s.baseAndUsageLines(log, sub, usage, invoice, now)

	var dup *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByPeriod(ctx, tx, orgID, start, end)
		if err != nil {
			return err
		}
		if found != nil {
			dup = found
			return nil
		}

		charges, err := s.subRepo.ListPendingCharges(ctx, tx, orgID, subscriptiondomain.ChargeStatusPending)
		if err != nil {
			return err
		}
		chargeIDs := make([]snowflake.ID, 0, len(charges))
		for _, charge := range charges {
			if !strings.EqualFold(charge.Currency, invoice.Currency) {
				log.Warn("pending charge currency mismatch, skipped",
					zap.String("charge_id", charge.ID.String()),
					zap.String("currency", charge.Currency),
				)
				continue
			}
			lines = append(lines, invoicedomain.InvoiceLineItem{
				ID:          s.genID.Generate(),
				InvoiceID:   invoice.ID,
				Kind:        invoicedomain.LineItemProration,
				Description: "Upgrade from " + charge.FromPlanID + " to " + charge.ToPlanID + " (prorated)",
				Quantity:    1,
				UnitAmount:  charge.Amount,
				Amount:      charge.Amount,
				CreatedAt:   now,
			})
			chargeIDs = append(chargeIDs, charge.ID)
		}

		for _, line := range lines {
			invoice.Total += line.Amount
		}
		if invoice.Total == 0 {
			invoice.Status = invoicedomain.InvoiceStatusPaid
			invoice.PaidAt = &now
		} else {
			due := now.AddDate(0, 0, s.billing.Get().OverdueAfterDays)
			invoice.DueAt = &due
		}

		if err := s.repo.Insert(ctx, tx, invoice); err != nil {
			return err
		}
		if err := s.repo.InsertLineItems(ctx, tx, lines); err != nil {
			return err
		}
		return s.subRepo.MarkChargesInvoiced(ctx, tx, chargeIDs, invoice.ID, now)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			found, findErr := s.repo.FindByPeriod(ctx, s.db, orgID, start, end)
			if findErr != nil {
				return nil, findErr
			}
			if found != nil {
				return nil, s.duplicate(ctx, found)
			}
		}
		return nil, err
	}
	if dup != nil {
		return nil, s.duplicate(ctx, dup)
	}
	invoice.LineItems = lines

	s.metrics.IncInvoiceGenerated(string(invoice.Status))
	log.Info("invoice generated",
		zap.String("invoice_id", invoice.ID.String()),
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int64("total", invoice.Total),
		zap.String("status", string(invoice.Status)),
	)

	if invoice.Status != invoicedomain.InvoiceStatusDraft {
		return invoice, nil
	}
	submitted, err := s.Submit(ctx, invoice.ID)
	if err != nil {
		// The draft is resubmitted by a rerun or by sync_invoices.
		log.Warn("invoice submission failed, left in draft",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return invoice, nil
	}
	submitted.LineItems = lines
	return submitted, nil
}

// duplicate resubmits an existing draft and reports the period as taken.
func (s *Service) duplicate(ctx context.Context, existing *invoicedomain.Invoice) error {
	if existing.Status == invoicedomain.InvoiceStatusDraft && existing.Total > 0 {
		if submitted, err := s.Submit(ctx, existing.ID); err == nil {
			existing = submitted
		} else {
			logger.WithOrg(logger.WithContext(ctx, s.log), existing.OrgID).Warn("draft resubmission failed",
				zap.String("invoice_id", existing.ID.String()),
				zap.Error(err),
			)
		}
	}
	return &invoicedomain.DuplicatePeriodError{Existing: existing}
}

func (s *Service) baseAndUsageLines(log *zap.Logger, sub *subscriptiondomain.Subscription, usage map[string]int64, invoice *invoicedomain.Invoice, now time.Time) []invoicedomain.InvoiceLineItem {
	planName := sub.PlanID
	selected, err := s.catalog.Get(sub.PlanID)
	if err != nil {
		log.Warn("plan missing from catalog, usage overage not billed", zap.String("plan_id", sub.PlanID))
	} else if selected.Name != "" {
		planName = selected.Name
	}

	lines := []invoicedomain.InvoiceLineItem{{
		ID:          s.genID.Generate(),
		InvoiceID:   invoice.ID,
		Kind:        invoicedomain.LineItemBase,
		Description: planName + " plan (" + string(sub.BillingInterval) + "), " + format.Period(invoice.PeriodStart, invoice.PeriodEnd),
		Quantity:    1,
		UnitAmount:  sub.Amount,
		Amount:      sub.Amount,
		CreatedAt:   now,
	}}
	if err != nil {
		return lines
	}

	usageTypes := make([]string, 0, len(selected.Metered))
	for usageType := range selected.Metered {
		usageTypes = append(usageTypes, usageType)
	}
	sort.Strings(usageTypes)

	for _, usageType := range usageTypes {
		rate := selected.Metered[usageType]
		over := usage[usageType] - rate.Included
		if over <= 0 || rate.UnitPrice <= 0 {
			continue
		}
		lines = append(lines, invoicedomain.InvoiceLineItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoice.ID,
			Kind:        invoicedomain.LineItemUsage,
			Description: strings.ReplaceAll(usageType, "_", " ") + " overage",
			UsageType:   usageType,
			Quantity:    over,
			UnitAmount:  rate.UnitPrice,
			Amount:      over * rate.UnitPrice,
			CreatedAt:   now,
		})
	}
	return lines
}

// Submit sends a draft invoice to the processor using the invoice id as the
// idempotency key, then records the processor reference locally. The two
// steps are separate so a failed local update is repaired by resubmitting.
func (s *Service) Submit(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusDraft:
	case invoicedomain.InvoiceStatusVoid:
		return nil, invoicedomain.ErrInvalidTransition.WithMessage("void invoice cannot be submitted")
	default:
		return invoice, nil
	}

	sub, err := s.subRepo.FindByID(ctx, s.db, invoice.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ExternalCustomerRef == nil {
		return nil, invoicedomain.ErrMissingCustomer.WithMessage("organization %s has no processor customer", invoice.OrgID)
	}

	lines, err := s.repo.ListLineItems(ctx, s.db, invoice.ID)
	if err != nil {
		return nil, err
	}
	items := make([]processor.LineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, processor.LineItem{Name: line.Description, Amount: line.Amount})
	}

	req := processor.CreateInvoiceRequest{
		IdempotencyKey: invoice.ID.String(),
		CustomerRef:    *sub.ExternalCustomerRef,
		Amount:         invoice.Total,
		Currency:       invoice.Currency,
		Description:    "Subscription " + format.Period(invoice.PeriodStart, invoice.PeriodEnd),
		LineItems:      items,
		Metadata: map[string]string{
			"invoiceId":      invoice.ID.String(),
			"organizationId": invoice.OrgID,
		},
	}
	if invoice.DueAt != nil {
		req.DueDate = *invoice.DueAt
	}
	remote, err := s.processor.CreateInvoice(ctx, req)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, invoice.ID, func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
		if inv.Status != invoicedomain.InvoiceStatusDraft {
			return errUnchanged
		}
		inv.ExternalInvoiceRef = &remote.Ref
		inv.Status = invoicedomain.InvoiceStatusPending
		return nil
	})
}

// SyncStatus reads the processor's view of an invoice and applies it
// locally when it differs and the move is allowed.
func (s *Service) SyncStatus(ctx context.Context, id snowflake.ID) (*invoicedomain.SyncResult, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}

	if invoice.ExternalInvoiceRef == nil {
		if invoice.Status != invoicedomain.InvoiceStatusDraft || invoice.Total == 0 {
			return &invoicedomain.SyncResult{Invoice: invoice}, nil
		}
		submitted, err := s.Submit(ctx, invoice.ID)
		if err != nil {
			return nil, err
		}
		return &invoicedomain.SyncResult{Invoice: submitted, Changed: submitted.Status != invoice.Status}, nil
	}

	remote, err := s.processor.FetchInvoice(ctx, *invoice.ExternalInvoiceRef)
	if err != nil {
		return nil, err
	}
	target := invoicedomain.InvoiceStatus(remote.Status)
	if target == invoice.Status {
		return &invoicedomain.SyncResult{Invoice: invoice}, nil
	}
	if !invoicedomain.CanTransition(invoice.Status, target) {
		logger.WithOrg(logger.WithContext(ctx, s.log), invoice.OrgID).Warn("invoice drift not reconcilable",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("local_status", string(invoice.Status)),
			zap.String("remote_status", string(target)),
		)
		return &invoicedomain.SyncResult{Invoice: invoice}, nil
	}

	updated, err := s.mutate(ctx, invoice.ID, func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
		if inv.Status == target {
			return errUnchanged
		}
		if !invoicedomain.CanTransition(inv.Status, target) {
			return invoicedomain.ErrInvalidTransition.WithMessage("cannot move invoice from %s to %s", inv.Status, target)
		}
		paidAt := now
		if remote.PaidAt != nil {
			paidAt = *remote.PaidAt
		}
		return s.applyStatus(ctx, tx, inv, target, paidAt)
	})
	if err != nil {
		return nil, err
	}
	return &invoicedomain.SyncResult{Invoice: updated, Changed: updated.Status != invoice.Status}, nil
}

func (s *Service) Get(ctx context.Context, orgID, id string) (*invoicedomain.Invoice, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil || invoice.OrgID != orgID {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.LineItems, err = s.repo.ListLineItems(ctx, s.db, invoice.ID); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidOrganization
	}

	filter := invoicedomain.ListFilter{OrgID: orgID}
	if req.Status != "" {
		status := invoicedomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(req.Status)))
		if !status.IsValid() {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidStatus
		}
		filter.Status = status
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	filter.Limit = pageSize + 1

	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	page, info, err := pagination.Trim(items, pageSize, func(inv *invoicedomain.Invoice) string {
		return inv.ID.String()
	})
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: info, Invoices: page}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, req invoicedomain.UpdateStatusRequest) (*invoicedomain.Invoice, error) {
	current, err := s.Get(ctx, req.OrgID, req.ID)
	if err != nil {
		return nil, err
	}
	to := invoicedomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if !to.IsValid() {
		return nil, invoicedomain.ErrInvalidStatus
	}

	updated, err := s.mutate(ctx, current.ID, func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
		if inv.Status == to {
			return errUnchanged
		}
		if !invoicedomain.CanTransition(inv.Status, to) {
			return invoicedomain.ErrInvalidTransition.WithMessage("cannot move invoice from %s to %s", inv.Status, to)
		}
		return s.applyStatus(ctx, tx, inv, to, now)
	})
	if err != nil {
		return nil, err
	}
	updated.LineItems = current.LineItems
	return updated, nil
}

// MarkPaid records a processor-confirmed payment. A payment may arrive before
// the local submission step finished, so drafts are accepted too.
func (s *Service) MarkPaid(ctx context.Context, ref invoicedomain.Ref) (*invoicedomain.Invoice, error) {
	invoice, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, invoice.ID, func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
		switch inv.Status {
		case invoicedomain.InvoiceStatusPaid:
			return errUnchanged
		case invoicedomain.InvoiceStatusVoid:
			return invoicedomain.ErrInvalidTransition.WithMessage("void invoice cannot be paid")
		}
		if inv.ExternalInvoiceRef == nil && ref.ExternalRef != "" {
			externalRef := ref.ExternalRef
			inv.ExternalInvoiceRef = &externalRef
		}
		return s.applyStatus(ctx, tx, inv, invoicedomain.InvoiceStatusPaid, now)
	})
}

// MarkFailed records a processor-reported payment failure. Failures reported
// after the invoice was paid or voided are stale and ignored.
func (s *Service) MarkFailed(ctx context.Context, ref invoicedomain.Ref) (*invoicedomain.Invoice, error) {
	invoice, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, invoice.ID, func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error {
		switch inv.Status {
		case invoicedomain.InvoiceStatusFailed, invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusVoid:
			return errUnchanged
		}
		return s.applyStatus(ctx, tx, inv, invoicedomain.InvoiceStatusFailed, now)
	})
}

func (s *Service) resolve(ctx context.Context, ref invoicedomain.Ref) (*invoicedomain.Invoice, error) {
	var (
		invoice *invoicedomain.Invoice
		err     error
	)
	if id := strings.TrimSpace(ref.ID); id != "" {
		invoiceID, parseErr := snowflake.ParseString(id)
		if parseErr != nil {
			return nil, invoicedomain.ErrInvalidInvoiceID
		}
		invoice, err = s.repo.FindByID(ctx, s.db, invoiceID)
	} else if externalRef := strings.TrimSpace(ref.ExternalRef); externalRef != "" {
		invoice, err = s.repo.FindByExternalRef(ctx, s.db, externalRef)
	}
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) ListByStatus(ctx context.Context, statuses ...invoicedomain.InvoiceStatus) ([]invoicedomain.Invoice, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.repo.ListByStatus(ctx, s.db, statuses)
}

func (s *Service) ListOverdue(ctx context.Context, now time.Time) ([]invoicedomain.Invoice, error) {
	return s.repo.ListDueBefore(ctx, s.db, []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusPending,
		invoicedomain.InvoiceStatusFailed,
	}, now)
}

// applyStatus moves the invoice and, on payment, settles the pending charges
// it carried in the same transaction.
func (s *Service) applyStatus(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, to invoicedomain.InvoiceStatus, at time.Time) error {
	inv.Status = to
	if to != invoicedomain.InvoiceStatusPaid {
		return nil
	}
	if inv.PaidAt == nil {
		inv.PaidAt = &at
	}
	_, err := s.subRepo.SettleCharges(ctx, tx, inv.ID, s.clock.Now())
	return err
}

type invoiceMutation func(tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) error

func (s *Service) mutate(ctx context.Context, id snowflake.ID, fn invoiceMutation) (*invoicedomain.Invoice, error) {
	for attempt := 1; ; attempt++ {
		var (
			result *invoicedomain.Invoice
			from   invoicedomain.InvoiceStatus
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			inv, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if inv == nil {
				return invoicedomain.ErrInvoiceNotFound
			}
			from = inv.Status
			expected := inv.Version
			now := s.clock.Now()

			if err := fn(tx, inv, now); err != nil {
				if errors.Is(err, errUnchanged) {
					result = inv
					return nil
				}
				return err
			}

			inv.Version = expected + 1
			inv.UpdatedAt = now
			ok, err := s.repo.UpdateVersioned(ctx, tx, inv, expected)
			if err != nil {
				return err
			}
			if !ok {
				return invoicedomain.ErrVersionConflict
			}
			result = inv
			return nil
		})
		if err == nil {
			if result.Status != from {
				logger.WithOrg(logger.WithContext(ctx, s.log), result.OrgID).Info("invoice status changed",
					zap.String("invoice_id", result.ID.String()),
					zap.String("from", string(from)),
					zap.String("to", string(result.Status)),
				)
			}
			return result, nil
		}
		if !errors.Is(err, invoicedomain.ErrVersionConflict) {
			return nil, err
		}
		s.metrics.IncConflict("invoice")
		if attempt > maxConflictRetries {
			return nil, err
		}
	}
}
