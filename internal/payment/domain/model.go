package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaymentRequestStatus string

const (
	PaymentRequestStatusPending   PaymentRequestStatus = "pending"
	PaymentRequestStatusCompleted PaymentRequestStatus = "completed"
	PaymentRequestStatusExpired   PaymentRequestStatus = "expired"
)

const (
	ProviderGateway = "gateway"
	ProviderManual  = "manual"
)

// PaymentRequest is a single-use, token-addressed record of an amount owed.
// Only the token's SHA-256 hash is stored; once status leaves pending the
// token can never be confirmed again.
type PaymentRequest struct {
	ID             snowflake.ID         `gorm:"column:id;primaryKey" json:"id"`
	TenantID       snowflake.ID         `gorm:"column:tenant_id;index" json:"tenant_id"`
	SubscriptionID snowflake.ID         `gorm:"column:subscription_id;index" json:"subscription_id"`
	Email          string               `gorm:"column:email" json:"email"`
	Status         PaymentRequestStatus `gorm:"column:status" json:"status"`
	Provider       string               `gorm:"column:provider" json:"provider"`
	TokenHash      string               `gorm:"column:token_hash;uniqueIndex" json:"-"`
	GatewayRef     *string              `gorm:"column:gateway_ref" json:"gateway_ref,omitempty"`
	AmountEUR      float64              `gorm:"column:amount_eur" json:"amount_eur"`
	ExpiresAt      time.Time            `gorm:"column:expires_at" json:"expires_at"`
	CompletedAt    *time.Time           `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time            `gorm:"column:created_at" json:"created_at"`
}

func (PaymentRequest) TableName() string { return "payment_requests" }

// GatewayEvent is the durable record of an accepted webhook delivery, keyed
// by the gateway-issued event id. Doubles as the replay ledger.
type GatewayEvent struct {
	ID          snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	EventID     string       `gorm:"column:event_id;uniqueIndex" json:"event_id"`
	EventType   string       `gorm:"column:event_type" json:"event_type"`
	ProcessedAt time.Time    `gorm:"column:processed_at" json:"processed_at"`
}

func (GatewayEvent) TableName() string { return "gateway_events" }
