package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billforge/pkg/apperr"
	"github.com/smallbiznis/billforge/pkg/db/pagination"
)

type GenerateRequest struct {
	OrgID       string     `json:"organizationId"`
	PeriodStart *time.Time `json:"periodStart"`
	PeriodEnd   *time.Time `json:"periodEnd"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	OrgID  string `form:"organizationId"`
	Status string `form:"status"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []*Invoice `json:"invoices"`
}

type UpdateStatusRequest struct {
	OrgID  string        `json:"organizationId"`
	ID     string        `json:"-"`
	Status InvoiceStatus `json:"status"`
}

// Ref identifies an invoice by local id or processor reference. The local id
// wins when both are set.
type Ref struct {
	ID          string
	ExternalRef string
}

func (r Ref) IsZero() bool {
	return r.ID == "" && r.ExternalRef == ""
}

type SyncResult struct {
	Invoice *Invoice `json:"invoice"`
	Changed bool     `json:"changed"`
}

type Service interface {
	// Generate builds and persists the invoice for a period, defaulting to the
	// subscription's current period, and submits it to the processor.
	Generate(ctx context.Context, req GenerateRequest) (*Invoice, error)
	Submit(ctx context.Context, id snowflake.ID) (*Invoice, error)
	SyncStatus(ctx context.Context, id snowflake.ID) (*SyncResult, error)
	Get(ctx context.Context, orgID, id string) (*Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*Invoice, error)
	MarkPaid(ctx context.Context, ref Ref) (*Invoice, error)
	MarkFailed(ctx context.Context, ref Ref) (*Invoice, error)
	ListByStatus(ctx context.Context, statuses ...InvoiceStatus) ([]Invoice, error)
	ListOverdue(ctx context.Context, now time.Time) ([]Invoice, error)
}

// DuplicatePeriodError reports that the organization already has an invoice
// for the requested period. Callers treat it as success and use Existing.
type DuplicatePeriodError struct {
	Existing *Invoice
}

var errDuplicatePeriod = apperr.New(apperr.KindDuplicatePeriod, "invoice_period_exists")

func (e *DuplicatePeriodError) Error() string {
	if e.Existing == nil {
		return errDuplicatePeriod.Error()
	}
	return fmt.Sprintf("%s: invoice %s covers %s to %s",
		errDuplicatePeriod.Code,
		e.Existing.ID,
		e.Existing.PeriodStart.Format(time.RFC3339),
		e.Existing.PeriodEnd.Format(time.RFC3339),
	)
}

func (e *DuplicatePeriodError) Unwrap() error { return errDuplicatePeriod }

var (
	ErrInvalidOrganization = apperr.Validation("organizationId", "invalid_organization", "organizationId is required")
	ErrInvalidInvoiceID    = apperr.Validation("id", "invalid_invoice_id", "invoice id is invalid")
	ErrInvalidPeriod       = apperr.Validation("periodEnd", "invalid_period", "periodEnd must be after periodStart")
	ErrInvalidStatus       = apperr.Validation("status", "invalid_invoice_status", "unknown invoice status")
	ErrInvalidPageToken    = apperr.Validation("page_token", "invalid_page_token", "page token is invalid")
	ErrInvoiceNotFound     = apperr.New(apperr.KindNotFound, "invoice_not_found")
	ErrInvalidTransition   = apperr.New(apperr.KindInvalidState, "invalid_invoice_transition")
	ErrMissingCustomer     = apperr.New(apperr.KindInvalidState, "missing_customer_ref")
	ErrVersionConflict     = apperr.New(apperr.KindConcurrencyConflict, "invoice_version_conflict")
)
