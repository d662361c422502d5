package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

const paymentRequestColumns = `id, tenant_id, subscription_id, email, status, provider,
	 token_hash, gateway_ref, amount_eur, expires_at, completed_at, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, pr *paymentdomain.PaymentRequest) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_requests (
			id, tenant_id, subscription_id, email, status, provider,
			token_hash, gateway_ref, amount_eur, expires_at, completed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.ID,
		pr.TenantID,
		pr.SubscriptionID,
		pr.Email,
		pr.Status,
		pr.Provider,
		pr.TokenHash,
		pr.GatewayRef,
		pr.AmountEUR,
		pr.ExpiresAt,
		pr.CompletedAt,
		pr.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*paymentdomain.PaymentRequest, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentRequestColumns+` FROM payment_requests WHERE id = ?`, id)
}

func (r *repo) FindPendingByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string) (*paymentdomain.PaymentRequest, error) {
	if tokenHash == "" {
		return nil, nil
	}
	return r.findOne(ctx, db,
		`SELECT `+paymentRequestColumns+` FROM payment_requests
		 WHERE token_hash = ? AND status = ?`,
		tokenHash, paymentdomain.PaymentRequestStatusPending)
}

func (r *repo) FindPendingBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*paymentdomain.PaymentRequest, error) {
	return r.findOne(ctx, db,
		`SELECT `+paymentRequestColumns+` FROM payment_requests
		 WHERE subscription_id = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		subscriptionID, paymentdomain.PaymentRequestStatusPending)
}

func (r *repo) FindByGatewayRef(ctx context.Context, db *gorm.DB, gatewayRef string) (*paymentdomain.PaymentRequest, error) {
	if gatewayRef == "" {
		return nil, nil
	}
	return r.findOne(ctx, db,
		`SELECT `+paymentRequestColumns+` FROM payment_requests WHERE gateway_ref = ?`,
		gatewayRef)
}

func (r *repo) SetGatewayRef(ctx context.Context, db *gorm.DB, id snowflake.ID, gatewayRef string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_requests SET gateway_ref = ? WHERE id = ?`,
		gatewayRef, id,
	).Error
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_requests SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		paymentdomain.PaymentRequestStatusCompleted,
		at,
		id,
		paymentdomain.PaymentRequestStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_requests SET status = ?
		 WHERE id = ? AND status = ?`,
		paymentdomain.PaymentRequestStatusExpired,
		id,
		paymentdomain.PaymentRequestStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordEvent(ctx context.Context, db *gorm.DB, event *paymentdomain.GatewayEvent) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM gateway_events WHERE event_id = ?`,
		event.EventID,
	).Scan(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	err := db.WithContext(ctx).Exec(
		`INSERT INTO gateway_events (id, event_id, event_type, processed_at)
		 VALUES (?, ?, ?, ?)`,
		event.ID,
		event.EventID,
		event.EventType,
		event.ProcessedAt,
	).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*paymentdomain.PaymentRequest, error) {
	var pr paymentdomain.PaymentRequest
	err := db.WithContext(ctx).Raw(query, args...).Scan(&pr).Error
	if err != nil {
		return nil, err
	}
	if pr.ID == 0 {
		return nil, nil
	}
	return &pr, nil
}
