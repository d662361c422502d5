package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/veltahq/velta/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

const invoiceColumns = `id, number, tenant_id, subscription_id, payment_request_id, period,
	 base_price_eur, services_price_eur, tax_rate, tax_eur, total_eur, status,
	 gateway_invoice_id, issued_at, paid_at, period_start, period_end`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, number, tenant_id, subscription_id, payment_request_id, period,
			base_price_eur, services_price_eur, tax_rate, tax_eur, total_eur, status,
			gateway_invoice_id, issued_at, paid_at, period_start, period_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.Number,
		inv.TenantID,
		inv.SubscriptionID,
		inv.PaymentRequestID,
		inv.Period,
		inv.BasePriceEUR,
		inv.ServicesPriceEUR,
		inv.TaxRate,
		inv.TaxEUR,
		inv.TotalEUR,
		inv.Status,
		inv.GatewayInvoiceID,
		inv.IssuedAt,
		inv.PaidAt,
		inv.PeriodStart,
		inv.PeriodEnd,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, inv *invoicedomain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET
			payment_request_id = ?, period = ?, base_price_eur = ?, services_price_eur = ?,
			tax_rate = ?, tax_eur = ?, total_eur = ?, status = ?, gateway_invoice_id = ?,
			paid_at = ?, period_start = ?, period_end = ?
		 WHERE id = ?`,
		inv.PaymentRequestID,
		inv.Period,
		inv.BasePriceEUR,
		inv.ServicesPriceEUR,
		inv.TaxRate,
		inv.TaxEUR,
		inv.TotalEUR,
		inv.Status,
		inv.GatewayInvoiceID,
		inv.PaidAt,
		inv.PeriodStart,
		inv.PeriodEnd,
		inv.ID,
	).Error
}

func (r *repo) FindByGatewayInvoiceID(ctx context.Context, db *gorm.DB, gatewayInvoiceID string) (*invoicedomain.Invoice, error) {
	if gatewayInvoiceID == "" {
		return nil, nil
	}
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices WHERE gateway_invoice_id = ?`,
		gatewayInvoiceID,
	)
}

func (r *repo) FindOpenBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ? AND status = ? AND gateway_invoice_id IS NULL
		 ORDER BY issued_at DESC LIMIT 1`,
		subscriptionID,
		invoicedomain.InvoiceStatusPending,
	)
}

func (r *repo) FindLatestBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.Invoice, error) {
	return r.findOne(ctx, db,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id = ?
		 ORDER BY issued_at DESC LIMIT 1`,
		subscriptionID,
	)
}

func (r *repo) CountBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM invoices WHERE subscription_id = ?`,
		subscriptionID,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(query, args...).Scan(&inv).Error
	if err != nil {
		return nil, err
	}
	if inv.ID == 0 {
		return nil, nil
	}
	return &inv, nil
}

func (r *repo) ReplaceItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, items []invoicedomain.InvoiceItem) error {
	if err := db.WithContext(ctx).Exec(
		`DELETE FROM invoice_items WHERE invoice_id = ?`, invoiceID,
	).Error; err != nil {
		return err
	}
	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO invoice_items (id, invoice_id, service_code, description, price_eur, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.InvoiceID,
			item.ServiceCode,
			item.Description,
			item.PriceEUR,
			item.Status,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceItem, error) {
	var items []invoicedomain.InvoiceItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, service_code, description, price_eur, status
		 FROM invoice_items WHERE invoice_id = ? ORDER BY service_code ASC`,
		invoiceID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
