// Package processor talks to the external payment processor. Calls are
// bounded by a timeout and retried with exponential backoff on transient
// failures.
package processor

import (
	"context"
	"time"

	"github.com/smallbiznis/billforge/pkg/apperr"
)

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

type LineItem struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

type CreateInvoiceRequest struct {
	// IdempotencyKey is the local invoice id; retried submissions reuse it.
	IdempotencyKey string
	CustomerRef    string
	Amount         int64
	Currency       string
	Description    string
	DueDate        time.Time
	LineItems      []LineItem
	Metadata       map[string]string
}

type Invoice struct {
	Ref    string
	Status InvoiceStatus
	PaidAt *time.Time
}

type Subscription struct {
	Ref         string
	CustomerRef string
	PlanCode    string
	Status      string
}

// Active reports whether the processor still bills the subscription.
func (s Subscription) Active() bool {
	return s.Status == "active" || s.Status == "non-renewing" || s.Status == "attention"
}

// Disabled reports whether the processor stopped the subscription.
func (s Subscription) Disabled() bool {
	return s.Status == "cancelled" || s.Status == "complete" || s.Status == "completed"
}

type Client interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	FetchInvoice(ctx context.Context, ref string) (*Invoice, error)
	FetchSubscription(ctx context.Context, ref string) (*Subscription, error)
}

var (
	ErrNotConfigured = apperr.New(apperr.KindExternalProcessor, "processor_not_configured")
	ErrRequestFailed = apperr.New(apperr.KindExternalProcessor, "processor_request_failed")
	ErrNotFound      = apperr.New(apperr.KindNotFound, "processor_resource_not_found")
)

type disabledClient struct{}

// NewDisabledClient returns a client that fails every call. It is used when
// no processor secret is configured so submissions stay in draft.
func NewDisabledClient() Client {
	return disabledClient{}
}

func (disabledClient) CreateInvoice(context.Context, CreateInvoiceRequest) (*Invoice, error) {
	return nil, ErrNotConfigured
}

func (disabledClient) FetchInvoice(context.Context, string) (*Invoice, error) {
	return nil, ErrNotConfigured
}

func (disabledClient) FetchSubscription(context.Context, string) (*Subscription, error) {
	return nil, ErrNotConfigured
}
