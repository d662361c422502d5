package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	invoicedomain "github.com/veltahq/velta/internal/invoice/domain"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	"github.com/veltahq/velta/internal/tax"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Synchronizer keeps invoice rows aligned with the subscription aggregate.
// All methods run inside the caller's transaction.
type Synchronizer struct {
	log   *zap.Logger
	repo  invoicedomain.Repository
	genID *snowflake.Node
	calc  tax.Calculator
}

type SynchronizerParam struct {
	fx.In

	Log   *zap.Logger
	Repo  invoicedomain.Repository
	GenID *snowflake.Node
	Calc  tax.Calculator
}

func NewSynchronizer(p SynchronizerParam) *Synchronizer {
	return &Synchronizer{
		log:   p.Log.Named("invoice.synchronizer"),
		repo:  p.Repo,
		genID: p.GenID,
		calc:  p.Calc,
	}
}

// CreatePending issues the initial pending invoice for a new subscription.
// The signup charge covers the still-pending entitlements, so the billable
// subtotal applies here, not the chargeable one.
func (s *Synchronizer) CreatePending(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	paymentRequestID *snowflake.ID,
	now time.Time,
) (*invoicedomain.Invoice, error) {
	breakdown := s.calc.Compute(sub.BillableSubtotal(), nil)

	inv := &invoicedomain.Invoice{
		ID:               s.genID.Generate(),
		Number:           invoiceNumber(now),
		TenantID:         sub.TenantID,
		SubscriptionID:   sub.ID,
		PaymentRequestID: paymentRequestID,
		Period:           sub.Period,
		BasePriceEUR:     sub.BasePriceEUR,
		ServicesPriceEUR: tax.Round2(breakdown.Subtotal - sub.BasePriceEUR),
		TaxRate:          breakdown.TaxRate,
		TaxEUR:           breakdown.Tax,
		TotalEUR:         breakdown.Total,
		Status:           invoicedomain.InvoiceStatusPending,
		IssuedAt:         now,
		PeriodStart:      sub.CurrentPeriodStart,
		PeriodEnd:        sub.CurrentPeriodEnd,
	}
	if err := s.repo.Insert(ctx, tx, inv); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceItems(ctx, tx, inv.ID, itemsFor(s.genID, inv.ID, sub.Entitlements)); err != nil {
		return nil, err
	}
	return inv, nil
}

type SettleInput struct {
	PaymentRequestID *snowflake.ID
	// ReportedTotal is the gateway-confirmed charged amount. When set, tax is
	// derived from it instead of the configured rate.
	ReportedTotal    *float64
	GatewayInvoiceID *string
	PaidAt           time.Time
}

// Settle upserts the invoice for a completed payment: an open pending invoice
// without a gateway reference is reused, otherwise a new row is created.
func (s *Synchronizer) Settle(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	in SettleInput,
) (*invoicedomain.Invoice, error) {
	breakdown := s.calc.Compute(sub.ChargeableSubtotal(), in.ReportedTotal)
	paidAt := in.PaidAt

	inv, err := s.repo.FindOpenBySubscriptionID(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		inv = &invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			Number:         invoiceNumber(paidAt),
			TenantID:       sub.TenantID,
			SubscriptionID: sub.ID,
			IssuedAt:       paidAt,
		}
		if err := s.fill(inv, sub, breakdown, in, paidAt); err != nil {
			return nil, err
		}
		if err := s.repo.Insert(ctx, tx, inv); err != nil {
			return nil, err
		}
	} else {
		if err := s.fill(inv, sub, breakdown, in, paidAt); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, tx, inv); err != nil {
			return nil, err
		}
	}

	if err := s.repo.ReplaceItems(ctx, tx, inv.ID, itemsFor(s.genID, inv.ID, sub.Entitlements)); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Synchronizer) fill(
	inv *invoicedomain.Invoice,
	sub *subscriptiondomain.Subscription,
	breakdown tax.Breakdown,
	in SettleInput,
	paidAt time.Time,
) error {
	if in.PaymentRequestID != nil {
		inv.PaymentRequestID = in.PaymentRequestID
	}
	inv.Period = sub.Period
	inv.BasePriceEUR = sub.BasePriceEUR
	inv.ServicesPriceEUR = tax.Round2(breakdown.Subtotal - sub.BasePriceEUR)
	inv.TaxRate = breakdown.TaxRate
	inv.TaxEUR = breakdown.Tax
	inv.TotalEUR = breakdown.Total
	inv.Status = invoicedomain.InvoiceStatusPaid
	inv.GatewayInvoiceID = in.GatewayInvoiceID
	inv.PaidAt = &paidAt
	inv.PeriodStart = sub.CurrentPeriodStart
	inv.PeriodEnd = sub.CurrentPeriodEnd
	return nil
}

// SyncEntitlements realigns the newest invoice with the current entitlement
// set after a mutation outside of payment confirmation. No reported total is
// in play here, so amounts come from the configured rate.
func (s *Synchronizer) SyncEntitlements(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
) error {
	inv, err := s.repo.FindLatestBySubscriptionID(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if inv == nil {
		return nil
	}

	// Pending entitlements only exist on a not-yet-activated subscription,
	// where the invoice being realigned is still the signup charge.
	breakdown := s.calc.Compute(sub.BillableSubtotal(), nil)
	inv.BasePriceEUR = sub.BasePriceEUR
	inv.ServicesPriceEUR = tax.Round2(breakdown.Subtotal - sub.BasePriceEUR)
	inv.TaxRate = breakdown.TaxRate
	inv.TaxEUR = breakdown.Tax
	inv.TotalEUR = breakdown.Total
	inv.PeriodStart = sub.CurrentPeriodStart
	inv.PeriodEnd = sub.CurrentPeriodEnd
	if err := s.repo.Update(ctx, tx, inv); err != nil {
		return err
	}

	return s.repo.ReplaceItems(ctx, tx, inv.ID, itemsFor(s.genID, inv.ID, sub.Entitlements))
}

func itemsFor(genID *snowflake.Node, invoiceID snowflake.ID, entitlements []subscriptiondomain.Entitlement) []invoicedomain.InvoiceItem {
	items := make([]invoicedomain.InvoiceItem, 0, len(entitlements))
	for _, e := range entitlements {
		items = append(items, invoicedomain.InvoiceItem{
			ID:          genID.Generate(),
			InvoiceID:   invoiceID,
			ServiceCode: e.ServiceCode,
			Description: e.ServiceCode,
			PriceEUR:    e.PriceEUR,
			Status:      e.Status,
		})
	}
	return items
}

func invoiceNumber(now time.Time) string {
	return "INV-" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
