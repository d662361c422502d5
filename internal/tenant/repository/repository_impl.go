package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
	"gorm.io/gorm"
)

type directory struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) tenantdomain.Directory {
	return &directory{db: db}
}

func (d *directory) GetByID(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	var t tenantdomain.Tenant
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, name, billing_email, created_at, updated_at
		 FROM tenants WHERE id = ?`,
		id,
	).Scan(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return &t, nil
}
