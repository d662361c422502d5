package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var ErrUnknownService = errors.New("unknown_service")

type Service struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	Code      string       `gorm:"column:code;uniqueIndex" json:"code"`
	Name      string       `gorm:"column:name" json:"name"`
	PriceEUR  float64      `gorm:"column:price_eur" json:"price_eur"`
	Active    bool         `gorm:"column:active" json:"active"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (Service) TableName() string { return "services" }

// Catalog resolves service codes to catalog entries. Catalog management
// is outside this core; only lookups are consumed here.
type Catalog interface {
	FindByCode(ctx context.Context, code string) (*Service, error)
	FindAllByCodeIn(ctx context.Context, codes []string) ([]Service, error)
}

// Provisioner makes sure the per-service API keys exist for a tenant once
// its entitlements change. Failures are best-effort for callers.
type Provisioner interface {
	EnsureKeys(ctx context.Context, tenantID snowflake.ID, codes []string) error
}
