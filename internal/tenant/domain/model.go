package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrTenantNotFound = errors.New("tenant_not_found")

type Tenant struct {
	ID           snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	Name         string       `gorm:"column:name" json:"name"`
	BillingEmail string       `gorm:"column:billing_email" json:"billing_email"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// Directory is the read-side tenant lookup the billing engine consumes.
// Tenant CRUD itself lives outside this core.
type Directory interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Tenant, error)
}
