package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veltahq/velta/internal/billingcycle"
	"github.com/veltahq/velta/internal/clock"
	"github.com/veltahq/velta/internal/config"
	invoiceservice "github.com/veltahq/velta/internal/invoice/service"
	"github.com/veltahq/velta/internal/notifier"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	"github.com/veltahq/velta/internal/tax"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

// Service owns the payment-request lifecycle: issuing token-addressed
// requests, settling them exactly once, and flipping the subscription
// active as the settlement side effect.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	genID    *snowflake.Node
	clock    clock.Clock
	repo     paymentdomain.Repository
	subs     subscriptiondomain.Repository
	tenants  tenantdomain.Directory
	gateway  paymentdomain.GatewayAdapter
	invoices *invoiceservice.Synchronizer
	calc     tax.Calculator
	notify   notifier.Notifier
}

type Param struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     paymentdomain.Repository
	Subs     subscriptiondomain.Repository
	Tenants  tenantdomain.Directory
	Gateway  paymentdomain.GatewayAdapter
	Invoices *invoiceservice.Synchronizer
	Calc     tax.Calculator
	Notify   notifier.Notifier
}

func New(p Param) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.service"),
		cfg:      p.Cfg,
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		subs:     p.Subs,
		tenants:  p.Tenants,
		gateway:  p.Gateway,
		invoices: p.Invoices,
		calc:     p.Calc,
		notify:   p.Notify,
	}
}

// Issue creates a pending payment request for the subscription's signup
// total, pending entitlements included since they activate on payment. The
// raw token exists only for the lifetime of the returned issuance; the row
// stores its SHA-256 hash. No network and no mail happen here; the caller
// runs Dispatch once its transaction has committed.
func (s *Service) Issue(
	ctx context.Context,
	tx *gorm.DB,
	tenant *tenantdomain.Tenant,
	sub *subscriptiondomain.Subscription,
) (*paymentdomain.Issuance, error) {
	email := strings.TrimSpace(tenant.BillingEmail)
	if email == "" {
		return nil, paymentdomain.ErrMissingBillingEmail
	}

	now := s.clock.Now(ctx)
	breakdown := s.calc.Compute(sub.BillableSubtotal(), nil)
	token := uuid.NewString()

	pr := &paymentdomain.PaymentRequest{
		ID:             s.genID.Generate(),
		TenantID:       tenant.ID,
		SubscriptionID: sub.ID,
		Email:          email,
		Status:         paymentdomain.PaymentRequestStatusPending,
		Provider:       s.gateway.Provider(),
		TokenHash:      HashToken(token),
		AmountEUR:      breakdown.Total,
		ExpiresAt:      now.Add(s.cfg.PaymentRequestTTL),
		CreatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, pr); err != nil {
		return nil, err
	}

	return &paymentdomain.Issuance{
		Request:    pr,
		ConfirmURL: s.confirmURL(token),
	}, nil
}

// Dispatch finishes an issuance after the issuing transaction committed: it
// creates the hosted checkout session in gateway mode, persists the session
// reference in its own short transaction, and mails the billing contact.
// The subscription transaction is never held across the gateway call.
func (s *Service) Dispatch(
	ctx context.Context,
	tenant *tenantdomain.Tenant,
	sub *subscriptiondomain.Subscription,
	iss *paymentdomain.Issuance,
) error {
	pr := iss.Request
	mail := notifier.PaymentEmail{
		TenantName: tenant.Name,
		AmountEUR:  pr.AmountEUR,
		Currency:   sub.Currency,
		ConfirmURL: iss.ConfirmURL,
		ExpiresAt:  pr.ExpiresAt,
	}

	if s.cfg.BillingMode == config.BillingModeGateway && s.gateway.Provider() == paymentdomain.ProviderGateway {
		session, err := s.createCheckoutSession(ctx, tenant, sub, pr)
		if err != nil {
			// The tenant can still settle via the emailed confirmation link,
			// so a gateway outage does not block subscription creation.
			s.log.Warn("checkout session creation failed, falling back to confirmation link",
				zap.Int64("payment_request_id", int64(pr.ID)),
				zap.Error(err),
			)
		} else {
			ref := session.ID
			if err := s.repo.SetGatewayRef(ctx, s.db, pr.ID, ref); err != nil {
				return err
			}
			pr.GatewayRef = &ref
			mail.CheckoutURL = session.URL
		}
	}

	if err := s.notify.SendPaymentEmail(ctx, pr.Email, mail); err != nil {
		s.log.Warn("payment email delivery failed",
			zap.Int64("payment_request_id", int64(pr.ID)),
			zap.Error(err),
		)
	}

	return nil
}

func (s *Service) createCheckoutSession(
	ctx context.Context,
	tenant *tenantdomain.Tenant,
	sub *subscriptiondomain.Subscription,
	pr *paymentdomain.PaymentRequest,
) (*paymentdomain.CheckoutSession, error) {
	interval := "month"
	if sub.Period == billingcycle.PeriodAnnual {
		interval = "year"
	}
	customerRef := ""
	if sub.GatewayCustomerID != nil {
		customerRef = *sub.GatewayCustomerID
	}
	return s.gateway.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionInput{
		AmountEUR:   pr.AmountEUR,
		Currency:    sub.Currency,
		Description: fmt.Sprintf("%s subscription (%s)", tenant.Name, sub.Period),
		Interval:    interval,
		CustomerRef: customerRef,
		SuccessURL:  s.cfg.CheckoutSuccessURL,
		CancelURL:   s.cfg.CheckoutCancelURL,
		Metadata: map[string]string{
			"payment_request_id": pr.ID.String(),
			"tenant_id":          tenant.ID.String(),
		},
	})
}

// ConfirmPaymentByToken settles a payment request via its emailed link. The
// token fires at most once: an expired request is burned on first touch and
// stays unusable even if the same link is opened again.
func (s *Service) ConfirmPaymentByToken(ctx context.Context, token string) (*subscriptiondomain.Subscription, error) {
	tokenHash := HashToken(strings.TrimSpace(token))

	var out *subscriptiondomain.Subscription
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pr, err := s.repo.FindPendingByTokenHash(ctx, tx, tokenHash)
		if err != nil {
			return err
		}
		if pr == nil {
			return paymentdomain.ErrPaymentRequestNotFound
		}

		now := s.clock.Now(ctx)
		if now.After(pr.ExpiresAt) {
			// The burn has to survive this transaction, so the error is
			// surfaced only after the commit.
			if _, err := s.repo.MarkExpired(ctx, tx, pr.ID); err != nil {
				return err
			}
			expired = true
			return nil
		}

		sub, err := s.loadSubscription(ctx, tx, pr.SubscriptionID)
		if err != nil {
			return err
		}
		if err := s.ActivateSubscription(ctx, tx, sub, pr, ActivationOptions{}); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, paymentdomain.ErrPaymentRequestExpired
	}
	return out, nil
}

// ApprovePaymentByAdmin settles a manual-provider request without a token,
// for out-of-band payments (bank transfer, invoice desk).
func (s *Service) ApprovePaymentByAdmin(ctx context.Context, id snowflake.ID) (*paymentdomain.PaymentRequest, error) {
	var out *paymentdomain.PaymentRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pr, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if pr == nil {
			return paymentdomain.ErrPaymentRequestNotFound
		}
		if pr.Provider != paymentdomain.ProviderManual {
			return paymentdomain.ErrManualProviderOnly
		}
		if pr.Status != paymentdomain.PaymentRequestStatusPending {
			out = pr
			return nil
		}

		sub, err := s.loadSubscription(ctx, tx, pr.SubscriptionID)
		if err != nil {
			return err
		}
		if err := s.ActivateSubscription(ctx, tx, sub, pr, ActivationOptions{}); err != nil {
			return err
		}
		out = pr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmGatewaySession settles the payment request behind a completed
// checkout session when the tenant returns from the hosted page. Safe to race
// with the checkout.session.completed webhook: whoever loses the pending
// transition no-ops.
func (s *Service) ConfirmGatewaySession(ctx context.Context, sessionID string) (*subscriptiondomain.Subscription, error) {
	session, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var external *paymentdomain.ExternalSubscription
	if session.SubscriptionID != "" {
		external, err = s.gateway.RetrieveSubscription(ctx, session.SubscriptionID)
		if err != nil {
			s.log.Warn("gateway subscription lookup failed, using local periods",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
			external = nil
		}
	}

	var out *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pr, err := s.resolveRequestForSession(ctx, tx, session)
		if err != nil {
			return err
		}

		sub, err := s.loadSubscription(ctx, tx, pr.SubscriptionID)
		if err != nil {
			return err
		}
		applyGatewayIdentity(sub, session)

		// The invoice.paid webhook settles the invoice under its gateway id;
		// writing one here without that id would let the webhook create a
		// second row for the same charge.
		opts := ActivationOptions{SkipInvoice: true}
		if external != nil {
			opts.PreservePeriod = true
			opts.PeriodStart = external.CurrentPeriodStart
			opts.PeriodEnd = external.CurrentPeriodEnd
		}
		if pr.Status != paymentdomain.PaymentRequestStatusPending {
			// Webhook already settled it; persist gateway identity only.
			if err := s.subs.Update(ctx, tx, sub); err != nil {
				return err
			}
			out = sub
			return nil
		}
		if err := s.ActivateSubscription(ctx, tx, sub, pr, opts); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBillingPortalSession returns a hosted portal URL for the tenant's
// gateway customer.
func (s *Service) CreateBillingPortalSession(ctx context.Context, tenantID snowflake.ID) (string, error) {
	sub, err := s.subs.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.GatewayCustomerID == nil || *sub.GatewayCustomerID == "" {
		return "", paymentdomain.ErrNoGatewayCustomer
	}
	return s.gateway.CreateBillingPortalSession(ctx, *sub.GatewayCustomerID, s.cfg.PortalReturnURL)
}

// ActivationOptions tunes what settlement does beyond flipping the request
// completed. The webhook path preserves gateway-reported periods and settles
// the invoice itself from the invoice.paid event.
type ActivationOptions struct {
	PreservePeriod bool
	PeriodStart    time.Time
	PeriodEnd      time.Time
	SkipInvoice    bool
	ReportedTotal  *float64
	GatewayInvoice *string
}

// ActivateSubscription marks the payment request completed and promotes the
// subscription to active. Idempotent: only the caller that wins the pending
// transition applies the side effects.
func (s *Service) ActivateSubscription(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	pr *paymentdomain.PaymentRequest,
	opts ActivationOptions,
) error {
	now := s.clock.Now(ctx)

	won, err := s.repo.MarkCompleted(ctx, tx, pr.ID, now)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	pr.Status = paymentdomain.PaymentRequestStatusCompleted
	pr.CompletedAt = &now

	sub.Status = subscriptiondomain.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = false
	if opts.PreservePeriod {
		sub.CurrentPeriodStart = opts.PeriodStart.UTC()
		sub.CurrentPeriodEnd = opts.PeriodEnd.UTC()
	} else {
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = billingcycle.AddPeriod(now, sub.Period)
	}

	for i := range sub.Entitlements {
		e := &sub.Entitlements[i]
		if e.Status != subscriptiondomain.EntitlementStatusPending {
			continue
		}
		e.Status = subscriptiondomain.EntitlementStatusActive
		e.ActivateAt = nil
		e.UpdatedAt = now
		if err := s.subs.UpdateEntitlement(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := s.subs.Update(ctx, tx, sub); err != nil {
		return err
	}

	if !opts.SkipInvoice {
		prID := pr.ID
		_, err := s.invoices.Settle(ctx, tx, sub, invoiceservice.SettleInput{
			PaymentRequestID: &prID,
			ReportedTotal:    opts.ReportedTotal,
			GatewayInvoiceID: opts.GatewayInvoice,
			PaidAt:           now,
		})
		if err != nil {
			return err
		}
	}

	s.log.Info("subscription activated",
		zap.Int64("subscription_id", int64(sub.ID)),
		zap.Int64("payment_request_id", int64(pr.ID)),
	)
	return nil
}

func (s *Service) loadSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.subs.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	sub.Entitlements, err = s.subs.ListEntitlements(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) resolveRequestForSession(
	ctx context.Context,
	tx *gorm.DB,
	session *paymentdomain.CheckoutSession,
) (*paymentdomain.PaymentRequest, error) {
	if raw, ok := session.Metadata["payment_request_id"]; ok {
		id, err := snowflake.ParseString(raw)
		if err == nil {
			pr, err := s.repo.FindByID(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			if pr != nil {
				return pr, nil
			}
		}
	}

	pr, err := s.repo.FindByGatewayRef(ctx, tx, session.ID)
	if err != nil {
		return nil, err
	}
	if pr == nil {
		return nil, paymentdomain.ErrPaymentRequestNotFound
	}
	return pr, nil
}

func (s *Service) confirmURL(token string) string {
	return s.cfg.PublicBaseURL + "/billing/confirm?token=" + token
}

func applyGatewayIdentity(sub *subscriptiondomain.Subscription, session *paymentdomain.CheckoutSession) {
	if session.CustomerID != "" {
		customer := session.CustomerID
		sub.GatewayCustomerID = &customer
	}
	if session.SubscriptionID != "" {
		ref := session.SubscriptionID
		sub.GatewaySubscriptionID = &ref
	}
}

// HashToken is the stored form of a payment token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
