package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veltahq/velta/internal/clock"
	invoicedomain "github.com/veltahq/velta/internal/invoice/domain"
	invoiceservice "github.com/veltahq/velta/internal/invoice/service"
	"github.com/veltahq/velta/internal/metrics"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	paymentservice "github.com/veltahq/velta/internal/payment/service"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	"github.com/veltahq/velta/internal/tax"
)

const dedupTTL = 24 * time.Hour

// Ingestor turns verified gateway webhook deliveries into local state
// transitions. Redis is a fast-path duplicate filter only; the durable
// replay gates are the gateway_events ledger and per-row uniqueness, so a
// Redis outage degrades to DB-checked processing instead of failing.
type Ingestor struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	gateway  paymentdomain.GatewayAdapter
	repo     paymentdomain.Repository
	subs     subscriptiondomain.Repository
	invoices invoicedomain.Repository
	sync     *invoiceservice.Synchronizer
	payments *paymentservice.Service
	calc     tax.Calculator
	redis    *redis.Client
	metrics  *metrics.Metrics
	genID    *snowflake.Node
}

type Param struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Gateway  paymentdomain.GatewayAdapter
	Repo     paymentdomain.Repository
	Subs     subscriptiondomain.Repository
	Invoices invoicedomain.Repository
	Sync     *invoiceservice.Synchronizer
	Payments *paymentservice.Service
	Calc     tax.Calculator
	Redis    *redis.Client `optional:"true"`
	Metrics  *metrics.Metrics
	GenID    *snowflake.Node
}

func New(p Param) *Ingestor {
	return &Ingestor{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		clock:    p.Clock,
		gateway:  p.Gateway,
		repo:     p.Repo,
		subs:     p.Subs,
		invoices: p.Invoices,
		sync:     p.Sync,
		payments: p.Payments,
		calc:     p.Calc,
		redis:    p.Redis,
		metrics:  p.Metrics,
		genID:    p.GenID,
	}
}

// Ingest verifies, deduplicates and applies one webhook delivery. A nil
// return acknowledges the delivery to the gateway; signature and payload
// failures are the only rejections.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, headers http.Header) error {
	event, err := i.gateway.VerifyWebhook(payload, headers)
	if err != nil {
		i.metrics.WebhookRejected.WithLabelValues("signature").Inc()
		return err
	}
	i.metrics.WebhookReceived.WithLabelValues(event.Type).Inc()

	if i.seenInRedis(ctx, event.ID) {
		i.log.Debug("duplicate webhook short-circuited", zap.String("event_id", event.ID))
		return nil
	}

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := i.repo.RecordEvent(ctx, tx, &paymentdomain.GatewayEvent{
			ID:          i.genID.Generate(),
			EventID:     event.ID,
			EventType:   event.Type,
			ProcessedAt: i.clock.Now(ctx),
		})
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		return i.dispatch(ctx, tx, event)
	})
	if err != nil {
		return err
	}

	i.metrics.WebhookProcessed.WithLabelValues(event.Type).Inc()
	return nil
}

func (i *Ingestor) dispatch(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return i.handleCheckoutCompleted(ctx, tx, event)
	case "invoice.paid":
		return i.handleInvoicePaid(ctx, tx, event)
	case "invoice.payment_failed":
		return i.handleInvoicePaymentFailed(ctx, tx, event)
	case "customer.subscription.updated":
		return i.handleSubscriptionUpdated(ctx, tx, event)
	case "customer.subscription.deleted":
		return i.handleSubscriptionDeleted(ctx, tx, event)
	default:
		i.log.Debug("unhandled webhook event acknowledged", zap.String("event_type", event.Type))
		return nil
	}
}

type checkoutSessionObject struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

func (i *Ingestor) handleCheckoutCompleted(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	var session checkoutSessionObject
	if err := json.Unmarshal(event.Object, &session); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	pr, err := i.resolveRequest(ctx, tx, session.Metadata, session.ID)
	if err != nil {
		return err
	}
	if pr == nil {
		i.log.Warn("checkout completed for unknown payment request", zap.String("session_id", session.ID))
		return nil
	}

	sub, err := i.loadSubscription(ctx, tx, pr.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}

	if session.Customer != "" {
		customer := session.Customer
		sub.GatewayCustomerID = &customer
	}
	if session.Subscription != "" {
		ref := session.Subscription
		sub.GatewaySubscriptionID = &ref
	}

	if pr.Status != paymentdomain.PaymentRequestStatusPending {
		return i.subs.Update(ctx, tx, sub)
	}

	// The gateway bills from its own anchor; invoice.paid follows with the
	// authoritative periods and amounts, so no invoice is written here.
	return i.payments.ActivateSubscription(ctx, tx, sub, pr, paymentservice.ActivationOptions{
		SkipInvoice: true,
	})
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

func (i *Ingestor) handleInvoicePaid(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	var gwInvoice invoiceObject
	if err := json.Unmarshal(event.Object, &gwInvoice); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	existing, err := i.invoices.FindByGatewayInvoiceID(ctx, tx, gwInvoice.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		i.log.Debug("gateway invoice already recorded", zap.String("gateway_invoice_id", gwInvoice.ID))
		return nil
	}

	sub, err := i.resolveSubscriptionByRef(ctx, tx, gwInvoice.Subscription)
	if err != nil || sub == nil {
		return err
	}

	now := i.clock.Now(ctx)
	sub.Status = subscriptiondomain.SubscriptionStatusActive
	if gwInvoice.PeriodStart > 0 && gwInvoice.PeriodEnd > 0 {
		sub.CurrentPeriodStart = time.Unix(gwInvoice.PeriodStart, 0).UTC()
		sub.CurrentPeriodEnd = time.Unix(gwInvoice.PeriodEnd, 0).UTC()
	}

	var prID *snowflake.ID
	pr, err := i.repo.FindPendingBySubscriptionID(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if pr != nil {
		if _, err := i.repo.MarkCompleted(ctx, tx, pr.ID, now); err != nil {
			return err
		}
		id := pr.ID
		prID = &id
	}

	if err := i.subs.Update(ctx, tx, sub); err != nil {
		return err
	}

	reported := float64(gwInvoice.AmountPaid) / 100
	gatewayID := gwInvoice.ID
	_, err = i.sync.Settle(ctx, tx, sub, invoiceservice.SettleInput{
		PaymentRequestID: prID,
		ReportedTotal:    &reported,
		GatewayInvoiceID: &gatewayID,
		PaidAt:           now,
	})
	return err
}

func (i *Ingestor) handleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	var gwInvoice invoiceObject
	if err := json.Unmarshal(event.Object, &gwInvoice); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	sub, err := i.resolveSubscriptionByRef(ctx, tx, gwInvoice.Subscription)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
		return nil
	}

	sub.Status = subscriptiondomain.SubscriptionStatusPastDue
	i.log.Warn("subscription past due",
		zap.Int64("subscription_id", int64(sub.ID)),
		zap.String("gateway_invoice_id", gwInvoice.ID),
	)
	return i.subs.Update(ctx, tx, sub)
}

type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

func (i *Ingestor) handleSubscriptionUpdated(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	var gwSub subscriptionObject
	if err := json.Unmarshal(event.Object, &gwSub); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	sub, err := i.resolveSubscriptionByRef(ctx, tx, gwSub.ID)
	if err != nil || sub == nil {
		return err
	}

	now := i.clock.Now(ctx)
	if gwSub.CurrentPeriodStart > 0 && gwSub.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodStart = time.Unix(gwSub.CurrentPeriodStart, 0).UTC()
		sub.CurrentPeriodEnd = time.Unix(gwSub.CurrentPeriodEnd, 0).UTC()
	}

	switch gwSub.Status {
	case "active", "trialing":
		if sub.Status != subscriptiondomain.SubscriptionStatusCancelled {
			sub.Status = subscriptiondomain.SubscriptionStatusActive
		}
	case "past_due", "unpaid":
		sub.Status = subscriptiondomain.SubscriptionStatusPastDue
	}

	if gwSub.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = gwSub.CancelAtPeriodEnd
		if err := i.rescheduleEntitlements(ctx, tx, sub, now); err != nil {
			return err
		}
	}

	return i.subs.Update(ctx, tx, sub)
}

func (i *Ingestor) handleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event *paymentdomain.Event) error {
	var gwSub subscriptionObject
	if err := json.Unmarshal(event.Object, &gwSub); err != nil {
		return paymentdomain.ErrInvalidPayload
	}

	sub, err := i.resolveSubscriptionByRef(ctx, tx, gwSub.ID)
	if err != nil || sub == nil {
		return err
	}

	now := i.clock.Now(ctx)
	breakdown := i.calc.Compute(sub.ChargeableSubtotal(), nil)
	if err := i.subs.InsertHistory(ctx, tx, &subscriptiondomain.History{
		ID:               i.genID.Generate(),
		SubscriptionID:   sub.ID,
		TenantID:         sub.TenantID,
		BasePriceEUR:     sub.BasePriceEUR,
		ServicesPriceEUR: tax.Round2(breakdown.Subtotal - sub.BasePriceEUR),
		TotalBilledEUR:   breakdown.Total,
		StartedAt:        sub.CurrentPeriodStart,
		EndedAt:          now,
		CreatedAt:        now,
	}); err != nil {
		return err
	}

	for _, e := range sub.Entitlements {
		if err := i.subs.DeleteEntitlement(ctx, tx, e.ID); err != nil {
			return err
		}
	}
	sub.Entitlements = nil

	sub.Status = subscriptiondomain.SubscriptionStatusCancelled
	sub.CancelAtPeriodEnd = false
	sub.CurrentPeriodEnd = now
	return i.subs.Update(ctx, tx, sub)
}

// rescheduleEntitlements mirrors the cancel flag onto entitlement schedules:
// cancelling queues every live entitlement for removal at period end,
// reinstating clears the pending removals back to active. Reinstatement only
// applies while the subscription itself is active; elapsed removals were
// already executed by the reconcile pass and stay gone.
func (i *Ingestor) rescheduleEntitlements(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
	for idx := range sub.Entitlements {
		e := &sub.Entitlements[idx]
		if sub.CancelAtPeriodEnd {
			if e.Status != subscriptiondomain.EntitlementStatusActive {
				continue
			}
			deadline := sub.CurrentPeriodEnd
			e.Status = subscriptiondomain.EntitlementStatusPendingRemoval
			e.DeactivateAt = &deadline
		} else {
			if e.Status != subscriptiondomain.EntitlementStatusPendingRemoval {
				continue
			}
			if sub.Status != subscriptiondomain.SubscriptionStatusActive {
				continue
			}
			e.Status = subscriptiondomain.EntitlementStatusActive
			e.DeactivateAt = nil
		}
		e.UpdatedAt = now
		if err := i.subs.UpdateEntitlement(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) resolveRequest(ctx context.Context, tx *gorm.DB, metadata map[string]string, gatewayRef string) (*paymentdomain.PaymentRequest, error) {
	if raw, ok := metadata["payment_request_id"]; ok {
		if id, err := snowflake.ParseString(raw); err == nil {
			pr, err := i.repo.FindByID(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			if pr != nil {
				return pr, nil
			}
		}
	}
	return i.repo.FindByGatewayRef(ctx, tx, gatewayRef)
}

// resolveSubscriptionByRef loads the full aggregate behind a gateway
// subscription reference and executes any elapsed entitlement transitions
// before the handler mutates it.
func (i *Ingestor) resolveSubscriptionByRef(ctx context.Context, tx *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	sub, err := i.subs.FindByGatewaySubscriptionID(ctx, tx, ref)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		i.log.Warn("webhook references unknown subscription", zap.String("gateway_subscription_id", ref))
		return nil, nil
	}
	if err := i.loadAndReconcile(ctx, tx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (i *Ingestor) loadSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := i.subs.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	if err := i.loadAndReconcile(ctx, tx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// loadAndReconcile attaches the entitlement set and applies scheduled
// transitions whose deadline has passed, so no handler mutates stale state.
func (i *Ingestor) loadAndReconcile(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	entitlements, err := i.subs.ListEntitlements(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	result := subscriptiondomain.Reconcile(entitlements, i.clock.Now(ctx))
	for idx := range result.Updated {
		if err := i.subs.UpdateEntitlement(ctx, tx, &result.Updated[idx]); err != nil {
			return err
		}
	}
	for _, e := range result.Removed {
		if err := i.subs.DeleteEntitlement(ctx, tx, e.ID); err != nil {
			return err
		}
	}
	sub.Entitlements = result.Apply(entitlements)
	return nil
}

func (i *Ingestor) seenInRedis(ctx context.Context, eventID string) bool {
	if i.redis == nil {
		return false
	}
	ok, err := i.redis.SetNX(ctx, "velta:webhook:"+eventID, 1, dedupTTL).Result()
	if err != nil {
		// Fail open: the gateway_events ledger still catches replays.
		i.log.Warn("redis webhook dedup unavailable", zap.Error(err))
		return false
	}
	return !ok
}
