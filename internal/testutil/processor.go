package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/billforge/internal/payment/processor"
)

// FakeProcessor is an in-memory processor.Client. Invoices created with the
// same idempotency key return the same reference.
type FakeProcessor struct {
	mu            sync.Mutex
	Created       []processor.CreateInvoiceRequest
	Invoices      map[string]*processor.Invoice
	Subscriptions map[string]*processor.Subscription
	byKey         map[string]string
	CreateErr     error
	FetchErr      error
}

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		Invoices:      map[string]*processor.Invoice{},
		Subscriptions: map[string]*processor.Subscription{},
		byKey:         map[string]string{},
	}
}

func (f *FakeProcessor) CreateInvoice(_ context.Context, req processor.CreateInvoiceRequest) (*processor.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.Created = append(f.Created, req)
	if ref, ok := f.byKey[req.IdempotencyKey]; ok {
		inv := *f.Invoices[ref]
		return &inv, nil
	}
	ref := fmt.Sprintf("PRQ_%d", len(f.byKey)+1)
	f.byKey[req.IdempotencyKey] = ref
	f.Invoices[ref] = &processor.Invoice{Ref: ref, Status: processor.InvoiceStatusPending}
	inv := *f.Invoices[ref]
	return &inv, nil
}

func (f *FakeProcessor) FetchInvoice(_ context.Context, ref string) (*processor.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	inv, ok := f.Invoices[ref]
	if !ok {
		return nil, processor.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *FakeProcessor) FetchSubscription(_ context.Context, ref string) (*processor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	sub, ok := f.Subscriptions[ref]
	if !ok {
		return nil, processor.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// SetInvoiceStatus changes the processor-side status of an invoice.
func (f *FakeProcessor) SetInvoiceStatus(ref string, status processor.InvoiceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv, ok := f.Invoices[ref]; ok {
		inv.Status = status
	}
}

// CreatedCount returns how many CreateInvoice calls succeeded.
func (f *FakeProcessor) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}
