package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	OrgID   string
	Status  InvoiceStatus
	AfterID snowflake.ID
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	InsertLineItems(ctx context.Context, db *gorm.DB, items []InvoiceLineItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) (*Invoice, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*Invoice, error)
	ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceLineItem, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Invoice, error)
	ListByStatus(ctx context.Context, db *gorm.DB, statuses []InvoiceStatus) ([]Invoice, error)
	ListDueBefore(ctx context.Context, db *gorm.DB, statuses []InvoiceStatus, before time.Time) ([]Invoice, error)
	UpdateVersioned(ctx context.Context, db *gorm.DB, invoice *Invoice, expectedVersion int64) (bool, error)
}
