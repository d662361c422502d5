package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltahq/velta/internal/billingcycle"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
)

var ErrInvoiceNotFound = errors.New("invoice_not_found")

type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
)

type Invoice struct {
	ID               snowflake.ID        `gorm:"column:id;primaryKey" json:"id"`
	Number           string              `gorm:"column:number" json:"number"`
	TenantID         snowflake.ID        `gorm:"column:tenant_id;index" json:"tenant_id"`
	SubscriptionID   snowflake.ID        `gorm:"column:subscription_id;index" json:"subscription_id"`
	PaymentRequestID *snowflake.ID       `gorm:"column:payment_request_id" json:"payment_request_id,omitempty"`
	Period           billingcycle.Period `gorm:"column:period" json:"period"`
	BasePriceEUR     float64             `gorm:"column:base_price_eur" json:"base_price_eur"`
	ServicesPriceEUR float64             `gorm:"column:services_price_eur" json:"services_price_eur"`
	TaxRate          float64             `gorm:"column:tax_rate" json:"tax_rate"`
	TaxEUR           float64             `gorm:"column:tax_eur" json:"tax_eur"`
	TotalEUR         float64             `gorm:"column:total_eur" json:"total_eur"`
	Status           InvoiceStatus       `gorm:"column:status" json:"status"`
	GatewayInvoiceID *string             `gorm:"column:gateway_invoice_id;uniqueIndex" json:"gateway_invoice_id,omitempty"`
	IssuedAt         time.Time           `gorm:"column:issued_at" json:"issued_at"`
	PaidAt           *time.Time          `gorm:"column:paid_at" json:"paid_at,omitempty"`
	PeriodStart      time.Time           `gorm:"column:period_start" json:"period_start"`
	PeriodEnd        time.Time           `gorm:"column:period_end" json:"period_end"`
}

func (Invoice) TableName() string { return "invoices" }

type InvoiceItem struct {
	ID          snowflake.ID                        `gorm:"column:id;primaryKey" json:"id"`
	InvoiceID   snowflake.ID                        `gorm:"column:invoice_id;index" json:"invoice_id"`
	ServiceCode string                              `gorm:"column:service_code" json:"service_code"`
	Description string                              `gorm:"column:description" json:"description"`
	PriceEUR    float64                             `gorm:"column:price_eur" json:"price_eur"`
	Status      subscriptiondomain.EntitlementStatus `gorm:"column:status" json:"status"`
}

func (InvoiceItem) TableName() string { return "invoice_items" }
