// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusFailed, InvoiceStatusVoid:
		return true
	}
	return false
}

var statusTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:   {InvoiceStatusPending, InvoiceStatusVoid},
	InvoiceStatusPending: {InvoiceStatusPaid, InvoiceStatusFailed, InvoiceStatusVoid},
	InvoiceStatusFailed:  {InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusVoid},
}

// CanTransition reports whether an invoice may move from one status to
// another. Paid and void are final.
func CanTransition(from, to InvoiceStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Invoice is one billed period for an organization. The period is unique per
// organization; a paid invoice is never regenerated.
type Invoice struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID              string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_org_period,priority:1" json:"organizationId"`
	SubscriptionID     snowflake.ID      `gorm:"not null;index" json:"subscriptionId"`
	PeriodStart        time.Time         `gorm:"not null;uniqueIndex:ux_invoices_org_period,priority:2" json:"periodStart"`
	PeriodEnd          time.Time         `gorm:"not null;uniqueIndex:ux_invoices_org_period,priority:3" json:"periodEnd"`
	Total              int64             `gorm:"not null;default:0" json:"total"`
	Currency           string            `gorm:"type:text;not null" json:"currency"`
	Status             InvoiceStatus     `gorm:"type:text;not null;default:'draft';index" json:"status"`
	ExternalInvoiceRef *string           `gorm:"type:text;index" json:"externalInvoiceRef,omitempty"`
	DueAt              *time.Time        `json:"dueAt,omitempty"`
	PaidAt             *time.Time        `json:"paidAt,omitempty"`
	Version            int64             `gorm:"not null;default:1" json:"-"`
	CreatedAt          time.Time         `gorm:"not null" json:"createdAt"`
	UpdatedAt          time.Time         `gorm:"not null" json:"updatedAt"`
	LineItems          []InvoiceLineItem `gorm:"-" json:"lineItems"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

type LineItemKind string

const (
	LineItemBase      LineItemKind = "base"
	LineItemUsage     LineItemKind = "usage"
	LineItemProration LineItemKind = "proration"
)

// InvoiceLineItem represents a line on an invoice.
type InvoiceLineItem struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	InvoiceID   snowflake.ID `gorm:"not null;index" json:"invoiceId"`
	Kind        LineItemKind `gorm:"type:text;not null" json:"kind"`
	Description string       `gorm:"type:text;not null" json:"description"`
	UsageType   string       `gorm:"type:text" json:"usageType,omitempty"`
	Quantity    int64        `gorm:"not null" json:"quantity"`
	UnitAmount  int64        `gorm:"not null" json:"unitAmount"`
	Amount      int64        `gorm:"not null" json:"amount"`
	CreatedAt   time.Time    `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }
