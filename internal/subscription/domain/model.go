package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltahq/velta/internal/billingcycle"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

type EntitlementStatus string

const (
	EntitlementStatusPending        EntitlementStatus = "pending"
	EntitlementStatusActive         EntitlementStatus = "active"
	EntitlementStatusPendingRemoval EntitlementStatus = "pending_removal"
)

// Subscription is the per-tenant billing aggregate. A tenant has at most one
// row, enforced by the unique index on tenant_id. Version guards every
// aggregate write (conditional update).
type Subscription struct {
	ID                    snowflake.ID        `gorm:"column:id;primaryKey" json:"id"`
	TenantID              snowflake.ID        `gorm:"column:tenant_id;uniqueIndex" json:"tenant_id"`
	Status                SubscriptionStatus  `gorm:"column:status" json:"status"`
	Period                billingcycle.Period `gorm:"column:period" json:"period"`
	BasePriceEUR          float64             `gorm:"column:base_price_eur" json:"base_price_eur"`
	Currency              string              `gorm:"column:currency" json:"currency"`
	CurrentPeriodStart    time.Time           `gorm:"column:current_period_start" json:"current_period_start"`
	CurrentPeriodEnd      time.Time           `gorm:"column:current_period_end" json:"current_period_end"`
	CancelAtPeriodEnd     bool                `gorm:"column:cancel_at_period_end" json:"cancel_at_period_end"`
	GatewayCustomerID     *string             `gorm:"column:gateway_customer_id" json:"gateway_customer_id,omitempty"`
	GatewaySubscriptionID *string             `gorm:"column:gateway_subscription_id" json:"gateway_subscription_id,omitempty"`
	Version               int64               `gorm:"column:version" json:"-"`
	CreatedAt             time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time           `gorm:"column:updated_at" json:"updated_at"`

	Entitlements []Entitlement `gorm:"-" json:"entitlements,omitempty"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ChargeableSubtotal is the base price plus every entitlement still billed
// this period. Pending entitlements never contribute.
func (s *Subscription) ChargeableSubtotal() float64 {
	subtotal := s.BasePriceEUR
	for _, e := range s.Entitlements {
		if e.Status == EntitlementStatusActive || e.Status == EntitlementStatusPendingRemoval {
			subtotal += e.PriceEUR
		}
	}
	return subtotal
}

// BillableSubtotal is the amount a new charge is issued for: the base price
// plus every entitlement that will be live once that charge settles. Unlike
// ChargeableSubtotal it counts pending entitlements, which activate on
// payment.
func (s *Subscription) BillableSubtotal() float64 {
	subtotal := s.BasePriceEUR
	for _, e := range s.Entitlements {
		subtotal += e.PriceEUR
	}
	return subtotal
}

func (s *Subscription) Entitlement(code string) *Entitlement {
	for i := range s.Entitlements {
		if s.Entitlements[i].ServiceCode == code {
			return &s.Entitlements[i]
		}
	}
	return nil
}

// Entitlement is one subscribed service feature. PriceEUR is a snapshot of
// the catalog price at assignment time, not a live join.
type Entitlement struct {
	ID             snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	SubscriptionID snowflake.ID      `gorm:"column:subscription_id;index" json:"subscription_id"`
	ServiceCode    string            `gorm:"column:service_code" json:"service_code"`
	Status         EntitlementStatus `gorm:"column:status" json:"status"`
	ActivateAt     *time.Time        `gorm:"column:activate_at" json:"activate_at,omitempty"`
	DeactivateAt   *time.Time        `gorm:"column:deactivate_at" json:"deactivate_at,omitempty"`
	PriceEUR       float64           `gorm:"column:price_eur" json:"price_eur"`
	CreatedAt      time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

// History is the append-only ledger of closed billing cycles, written when a
// subscription is cancelled. Deduplicated on (subscription_id, started_at).
type History struct {
	ID               snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	SubscriptionID   snowflake.ID `gorm:"column:subscription_id;uniqueIndex:idx_history_cycle" json:"subscription_id"`
	TenantID         snowflake.ID `gorm:"column:tenant_id" json:"tenant_id"`
	BasePriceEUR     float64      `gorm:"column:base_price_eur" json:"base_price_eur"`
	ServicesPriceEUR float64      `gorm:"column:services_price_eur" json:"services_price_eur"`
	TotalBilledEUR   float64      `gorm:"column:total_billed_eur" json:"total_billed_eur"`
	StartedAt        time.Time    `gorm:"column:started_at;uniqueIndex:idx_history_cycle" json:"started_at"`
	EndedAt          time.Time    `gorm:"column:ended_at" json:"ended_at"`
	CreatedAt        time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (History) TableName() string { return "subscription_histories" }
