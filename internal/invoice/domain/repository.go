package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	Update(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByGatewayInvoiceID(ctx context.Context, db *gorm.DB, gatewayInvoiceID string) (*Invoice, error)
	// FindOpenBySubscriptionID returns the newest pending invoice that has no
	// gateway invoice attached, the reuse target for payment confirmation.
	FindOpenBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Invoice, error)
	FindLatestBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Invoice, error)
	CountBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error)

	ReplaceItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, items []InvoiceItem) error
	ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceItem, error)
}
