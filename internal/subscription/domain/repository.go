package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// Update writes the aggregate row conditionally on its version and bumps
	// it. ErrVersionConflict when another writer got there first.
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	FindByGatewaySubscriptionID(ctx context.Context, db *gorm.DB, ref string) (*Subscription, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]Subscription, error)

	ListEntitlements(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Entitlement, error)
	InsertEntitlements(ctx context.Context, db *gorm.DB, entitlements []Entitlement) error
	UpdateEntitlement(ctx context.Context, db *gorm.DB, e *Entitlement) error
	DeleteEntitlement(ctx context.Context, db *gorm.DB, id snowflake.ID) error

	InsertHistory(ctx context.Context, db *gorm.DB, h *History) error
}
