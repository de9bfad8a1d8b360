package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) InsertLineItems(ctx context.Context, db *gorm.DB, items []invoicedomain.InvoiceLineItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT * FROM invoices WHERE id = ?`, id)
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, orgID string, start, end time.Time) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT * FROM invoices
		 WHERE org_id = ? AND period_start = ? AND period_end = ?
		 LIMIT 1`,
		orgID, start, end,
	)
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, ref string) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT * FROM invoices WHERE external_invoice_ref = ? LIMIT 1`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*invoicedomain.Invoice, error) {
	var item invoicedomain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListLineItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLineItem, error) {
	var items []invoicedomain.InvoiceLineItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, kind, description, usage_type, quantity, unit_amount, amount, created_at
		 FROM invoice_line_items
		 WHERE invoice_id = ?
		 ORDER BY id ASC`,
		invoiceID,
	).Scan(&items).Error
	return items, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter invoicedomain.ListFilter) ([]*invoicedomain.Invoice, error) {
	stmt := db.WithContext(ctx).Model(&invoicedomain.Invoice{}).Where("org_id = ?", filter.OrgID)
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []*invoicedomain.Invoice
	err := stmt.Order("id DESC").Find(&items).Error
	return items, err
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, statuses []invoicedomain.InvoiceStatus) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE status IN ? ORDER BY created_at ASC, id ASC`,
		statuses,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListDueBefore(ctx context.Context, db *gorm.DB, statuses []invoicedomain.InvoiceStatus, before time.Time) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM invoices
		 WHERE status IN ? AND due_at IS NOT NULL AND due_at <= ?
		 ORDER BY due_at ASC, id ASC`,
		statuses,
		before,
	).Scan(&items).Error
	return items, err
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND version = ?", invoice.ID, expectedVersion).
		Updates(map[string]any{
			"status":               invoice.Status,
			"external_invoice_ref": invoice.ExternalInvoiceRef,
			"paid_at":              invoice.PaidAt,
			"due_at":               invoice.DueAt,
			"version":              invoice.Version,
			"updated_at":           invoice.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
