package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, tenant_id, status, period, base_price_eur, currency,
	 current_period_start, current_period_end, cancel_at_period_end,
	 gateway_customer_id, gateway_subscription_id, version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, status, period, base_price_eur, currency,
			current_period_start, current_period_end, cancel_at_period_end,
			gateway_customer_id, gateway_subscription_id, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.TenantID,
		sub.Status,
		sub.Period,
		sub.BasePriceEUR,
		sub.Currency,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.GatewayCustomerID,
		sub.GatewaySubscriptionID,
		sub.Version,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?, period = ?, base_price_eur = ?,
			current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?,
			gateway_customer_id = ?, gateway_subscription_id = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.Status,
		sub.Period,
		sub.BasePriceEUR,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.GatewayCustomerID,
		sub.GatewaySubscriptionID,
		sub.UpdatedAt,
		sub.ID,
		sub.Version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return subscriptiondomain.ErrVersionConflict
	}
	sub.Version++
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ?`, tenantID)
}

func (r *repo) FindByGatewaySubscriptionID(ctx context.Context, db *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE gateway_subscription_id = ?`, ref)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(query, args...).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY created_at ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListEntitlements(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.Entitlement, error) {
	var items []subscriptiondomain.Entitlement
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, service_code, status, activate_at, deactivate_at,
		 price_eur, created_at, updated_at
		 FROM entitlements WHERE subscription_id = ? ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertEntitlements(ctx context.Context, db *gorm.DB, entitlements []subscriptiondomain.Entitlement) error {
	for i := range entitlements {
		e := entitlements[i]
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO entitlements (
				id, subscription_id, service_code, status, activate_at, deactivate_at,
				price_eur, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID,
			e.SubscriptionID,
			e.ServiceCode,
			e.Status,
			e.ActivateAt,
			e.DeactivateAt,
			e.PriceEUR,
			e.CreatedAt,
			e.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) UpdateEntitlement(ctx context.Context, db *gorm.DB, e *subscriptiondomain.Entitlement) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entitlements SET
			status = ?, activate_at = ?, deactivate_at = ?, price_eur = ?, updated_at = ?
		 WHERE id = ?`,
		e.Status,
		e.ActivateAt,
		e.DeactivateAt,
		e.PriceEUR,
		e.UpdatedAt,
		e.ID,
	).Error
}

func (r *repo) DeleteEntitlement(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM entitlements WHERE id = ?`, id,
	).Error
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, h *subscriptiondomain.History) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	// Dedup on (subscription_id, started_at): a cycle is recorded once.
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscription_histories WHERE subscription_id = ? AND started_at = ?`,
		h.SubscriptionID, h.StartedAt,
	).Scan(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_histories (
			id, subscription_id, tenant_id, base_price_eur, services_price_eur,
			total_billed_eur, started_at, ended_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID,
		h.SubscriptionID,
		h.TenantID,
		h.BasePriceEUR,
		h.ServicesPriceEUR,
		h.TotalBilledEUR,
		h.StartedAt,
		h.EndedAt,
		h.CreatedAt,
	).Error
}
