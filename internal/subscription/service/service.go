package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veltahq/velta/internal/billingcycle"
	catalogdomain "github.com/veltahq/velta/internal/catalog/domain"
	"github.com/veltahq/velta/internal/clock"
	"github.com/veltahq/velta/internal/config"
	invoiceservice "github.com/veltahq/velta/internal/invoice/service"
	"github.com/veltahq/velta/internal/notifier"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	"github.com/veltahq/velta/internal/tax"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

// Service drives the subscription aggregate: signup, entitlement changes,
// cancellation, and the lazy reconciliation every read passes through.
type Service struct {
	db  *gorm.DB
	log *zap.Logger

	cfg   config.Config
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository

	catalog     catalogdomain.Catalog
	tenants     tenantdomain.Directory
	provisioner catalogdomain.Provisioner
	issuer      paymentdomain.Issuer
	invoices    *invoiceservice.Synchronizer
	calc        tax.Calculator
	notify      notifier.Notifier
}

type Param struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cfg   config.Config
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository

	Catalog     catalogdomain.Catalog
	Tenants     tenantdomain.Directory
	Provisioner catalogdomain.Provisioner
	Issuer      paymentdomain.Issuer
	Invoices    *invoiceservice.Synchronizer
	Calc        tax.Calculator
	Notify      notifier.Notifier
}

func New(p Param) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		cfg:         p.Cfg,
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		catalog:     p.Catalog,
		tenants:     p.Tenants,
		provisioner: p.Provisioner,
		issuer:      p.Issuer,
		invoices:    p.Invoices,
		calc:        p.Calc,
		notify:      p.Notify,
	}
}

type CreateInput struct {
	TenantID     snowflake.ID
	Period       string
	ServiceCodes []string
}

type UpdateInput struct {
	AddServices       []string
	RemoveServices    []string
	Period            *string
	CancelAtPeriodEnd *bool
}

// Get returns the tenant's subscription after executing any elapsed
// scheduled transitions. Reads are the only reconciliation trigger; there is
// no background sweeper.
func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if err := s.reconcile(ctx, tx, sub); err != nil {
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

// Create opens a pending subscription for the tenant, snapshots service
// prices into entitlements, writes the initial pending invoice and issues
// the payment request. Nothing activates until that request settles.
func (s *Service) Create(ctx context.Context, in CreateInput) (*subscriptiondomain.Subscription, error) {
	tenant, err := s.tenants.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	period, ok := billingcycle.ParsePeriod(in.Period)
	if !ok {
		return nil, subscriptiondomain.ErrInvalidPeriod
	}

	codes := normalizeCodes(in.ServiceCodes)
	if len(codes) == 0 {
		return nil, subscriptiondomain.ErrNoServices
	}
	services, err := s.resolveServices(ctx, codes)
	if err != nil {
		return nil, err
	}

	var out *subscriptiondomain.Subscription
	var issuance *paymentdomain.Issuance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByTenantID(ctx, tx, tenant.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrAlreadySubscribed
		}

		now := s.clock.Now(ctx)
		sub := &subscriptiondomain.Subscription{
			ID:                 s.genID.Generate(),
			TenantID:           tenant.ID,
			Status:             subscriptiondomain.SubscriptionStatusPending,
			Period:             period,
			BasePriceEUR:       s.cfg.BasePriceEUR,
			Currency:           s.cfg.Currency,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   billingcycle.AddPeriod(now, period),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}

		entitlements := make([]subscriptiondomain.Entitlement, 0, len(services))
		for _, svc := range services {
			entitlements = append(entitlements, subscriptiondomain.Entitlement{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				ServiceCode:    svc.Code,
				Status:         subscriptiondomain.EntitlementStatusPending,
				PriceEUR:       svc.PriceEUR,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err := s.repo.InsertEntitlements(ctx, tx, entitlements); err != nil {
			return err
		}
		sub.Entitlements = entitlements

		issuance, err = s.issuer.Issue(ctx, tx, tenant, sub)
		if err != nil {
			return err
		}
		prID := issuance.Request.ID
		if _, err := s.invoices.CreatePending(ctx, tx, sub, &prID, now); err != nil {
			return err
		}

		if err := s.provisioner.EnsureKeys(ctx, tenant.ID, codes); err != nil {
			s.log.Warn("api key provisioning failed",
				zap.Int64("tenant_id", int64(tenant.ID)),
				zap.Error(err),
			)
		}

		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Checkout session and billing mail run only once the aggregate is
	// committed; a gateway call never spans the open transaction.
	if err := s.issuer.Dispatch(ctx, tenant, out, issuance); err != nil {
		s.log.Warn("payment request dispatch failed",
			zap.Int64("tenant_id", int64(tenant.ID)),
			zap.Error(err),
		)
	}
	return out, nil
}

// Update applies entitlement and cancellation changes to the tenant's
// subscription. The aggregate write is version guarded; concurrent updates
// lose with ErrVersionConflict and must be retried by the caller.
func (s *Service) Update(ctx context.Context, tenantID snowflake.ID, in UpdateInput) (*subscriptiondomain.Subscription, error) {
	var out *subscriptiondomain.Subscription
	var addedCodes []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if err := s.reconcile(ctx, tx, sub); err != nil {
			return err
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return subscriptiondomain.ErrInvalidStatus
		}

		now := s.clock.Now(ctx)

		if in.Period != nil {
			period, ok := billingcycle.ParsePeriod(*in.Period)
			if !ok {
				return subscriptiondomain.ErrInvalidPeriod
			}
			if period != sub.Period {
				if sub.Status != subscriptiondomain.SubscriptionStatusPending {
					return subscriptiondomain.ErrPeriodLocked
				}
				sub.Period = period
				sub.CurrentPeriodEnd = billingcycle.AddPeriod(sub.CurrentPeriodStart, period)
			}
		}

		added, err := s.addServices(ctx, tx, sub, normalizeCodes(in.AddServices), now)
		if err != nil {
			return err
		}
		for _, code := range normalizeCodes(in.RemoveServices) {
			if err := s.removeService(ctx, tx, sub, code, now); err != nil {
				return err
			}
		}

		if in.CancelAtPeriodEnd != nil && *in.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
			if err := s.setCancellation(ctx, tx, sub, *in.CancelAtPeriodEnd, now); err != nil {
				return err
			}
		}

		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		if err := s.invoices.SyncEntitlements(ctx, tx, sub); err != nil {
			return err
		}

		if len(added) > 0 {
			if err := s.provisioner.EnsureKeys(ctx, sub.TenantID, added); err != nil {
				s.log.Warn("api key provisioning failed",
					zap.Int64("tenant_id", int64(sub.TenantID)),
					zap.Error(err),
				)
			}
		}

		addedCodes = added
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyServicesAssigned(ctx, tenantID, addedCodes)
	return out, nil
}

// notifyServicesAssigned tells the billing contact which services were just
// assigned. Delivery failure never affects the committed state change.
func (s *Service) notifyServicesAssigned(ctx context.Context, tenantID snowflake.ID, codes []string) {
	if len(codes) == 0 {
		return
	}
	ten, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil || ten.BillingEmail == "" {
		return
	}
	subject := "Services added to your subscription"
	body := "The following services are now part of your subscription: " + strings.Join(codes, ", ")
	if err := s.notify.SendGeneric(ctx, ten.BillingEmail, subject, body); err != nil {
		s.log.Warn("service assignment notification failed",
			zap.Int64("tenant_id", int64(tenantID)),
			zap.Error(err),
		)
	}
}

// RemoveService detaches one service assignment from the tenant's
// subscription, immediately if it never activated, at period end otherwise.
func (s *Service) RemoveService(ctx context.Context, tenantID snowflake.ID, code string) (*subscriptiondomain.Subscription, error) {
	return s.Update(ctx, tenantID, UpdateInput{RemoveServices: []string{code}})
}

// AdminSummary is one row of the cross-tenant billing report.
type AdminSummary struct {
	SubscriptionID  snowflake.ID                           `json:"subscription_id"`
	TenantID        snowflake.ID                           `json:"tenant_id"`
	Status          subscriptiondomain.SubscriptionStatus  `json:"status"`
	Period          billingcycle.Period                    `json:"period"`
	PerPeriodEUR    float64                                `json:"per_period_eur"`
	PeriodsElapsed  int                                    `json:"periods_elapsed"`
	TotalBilledEUR  float64                                `json:"total_billed_eur"`
	CancelScheduled bool                                   `json:"cancel_scheduled"`
}

// ListAdminSummary reports every subscription with its per-period total and
// the periods elapsed since signup. Rows are read as stored: transitions
// whose deadline elapsed since the last tenant-scoped read are not executed
// here, so a row can be one reconciliation behind until that tenant is read
// again. Acceptable for a report; never used for authorization.
func (s *Service) ListAdminSummary(ctx context.Context) ([]AdminSummary, error) {
	subs, err := s.repo.ListAll(ctx, s.db)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now(ctx)
	out := make([]AdminSummary, 0, len(subs))
	for i := range subs {
		sub := &subs[i]
		sub.Entitlements, err = s.repo.ListEntitlements(ctx, s.db, sub.ID)
		if err != nil {
			return nil, err
		}

		breakdown := s.calc.Compute(sub.ChargeableSubtotal(), nil)
		end := now
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			end = sub.CurrentPeriodEnd
		}
		elapsed := 0
		if sub.Status != subscriptiondomain.SubscriptionStatusPending {
			elapsed = billingcycle.CountElapsedPeriods(sub.CreatedAt, end, sub.Period)
		}

		out = append(out, AdminSummary{
			SubscriptionID:  sub.ID,
			TenantID:        sub.TenantID,
			Status:          sub.Status,
			Period:          sub.Period,
			PerPeriodEUR:    breakdown.Total,
			PeriodsElapsed:  elapsed,
			TotalBilledEUR:  tax.Round2(breakdown.Total * float64(elapsed)),
			CancelScheduled: sub.CancelAtPeriodEnd,
		})
	}
	return out, nil
}

func (s *Service) addServices(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	codes []string,
	now time.Time,
) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	services, err := s.resolveServices(ctx, codes)
	if err != nil {
		return nil, err
	}

	var added []string
	var inserts []subscriptiondomain.Entitlement
	for _, svc := range services {
		if existing := sub.Entitlement(svc.Code); existing != nil {
			// Re-adding a scheduled removal reinstates it.
			if existing.Status == subscriptiondomain.EntitlementStatusPendingRemoval {
				existing.Status = subscriptiondomain.EntitlementStatusActive
				existing.DeactivateAt = nil
				existing.UpdatedAt = now
				if err := s.repo.UpdateEntitlement(ctx, tx, existing); err != nil {
					return nil, err
				}
			}
			continue
		}

		status := subscriptiondomain.EntitlementStatusPending
		if sub.Status == subscriptiondomain.SubscriptionStatusActive {
			// Mid-cycle additions take effect immediately and bill from the
			// next invoice sync.
			status = subscriptiondomain.EntitlementStatusActive
		}
		inserts = append(inserts, subscriptiondomain.Entitlement{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			ServiceCode:    svc.Code,
			Status:         status,
			PriceEUR:       svc.PriceEUR,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		added = append(added, svc.Code)
	}

	if len(inserts) > 0 {
		if err := s.repo.InsertEntitlements(ctx, tx, inserts); err != nil {
			return nil, err
		}
		sub.Entitlements = append(sub.Entitlements, inserts...)
	}
	return added, nil
}

func (s *Service) removeService(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	code string,
	now time.Time,
) error {
	e := sub.Entitlement(code)
	if e == nil {
		return subscriptiondomain.ErrEntitlementNotFound
	}

	switch e.Status {
	case subscriptiondomain.EntitlementStatusPending:
		// Never billed, never activated: drop it outright.
		if err := s.repo.DeleteEntitlement(ctx, tx, e.ID); err != nil {
			return err
		}
		kept := sub.Entitlements[:0]
		for _, other := range sub.Entitlements {
			if other.ID != e.ID {
				kept = append(kept, other)
			}
		}
		sub.Entitlements = kept
	case subscriptiondomain.EntitlementStatusActive:
		deadline := sub.CurrentPeriodEnd
		e.Status = subscriptiondomain.EntitlementStatusPendingRemoval
		e.DeactivateAt = &deadline
		e.UpdatedAt = now
		if err := s.repo.UpdateEntitlement(ctx, tx, e); err != nil {
			return err
		}
	case subscriptiondomain.EntitlementStatusPendingRemoval:
		// Already scheduled.
	}
	return nil
}

func (s *Service) setCancellation(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	cancel bool,
	now time.Time,
) error {
	if cancel {
		sub.CancelAtPeriodEnd = true
		for i := range sub.Entitlements {
			e := &sub.Entitlements[i]
			if e.Status != subscriptiondomain.EntitlementStatusActive {
				continue
			}
			deadline := sub.CurrentPeriodEnd
			e.Status = subscriptiondomain.EntitlementStatusPendingRemoval
			e.DeactivateAt = &deadline
			e.UpdatedAt = now
			if err := s.repo.UpdateEntitlement(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	}

	// Reinstating is only possible while the paid period is still running.
	if !now.Before(sub.CurrentPeriodEnd) {
		return subscriptiondomain.ErrCancellationElapsed
	}
	sub.CancelAtPeriodEnd = false
	for i := range sub.Entitlements {
		e := &sub.Entitlements[i]
		if e.Status != subscriptiondomain.EntitlementStatusPendingRemoval {
			continue
		}
		e.Status = subscriptiondomain.EntitlementStatusActive
		e.DeactivateAt = nil
		e.UpdatedAt = now
		if err := s.repo.UpdateEntitlement(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

// reconcile executes the transitions whose deadlines have passed: entitlement
// activations and removals first, then the subscription-level cancellation
// once its paid period has fully run out.
func (s *Service) reconcile(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	now := s.clock.Now(ctx)

	result := subscriptiondomain.Reconcile(sub.Entitlements, now)
	if !result.Empty() {
		for _, e := range result.Updated {
			if err := s.repo.UpdateEntitlement(ctx, tx, &e); err != nil {
				return err
			}
		}
		for _, e := range result.Removed {
			if err := s.repo.DeleteEntitlement(ctx, tx, e.ID); err != nil {
				return err
			}
		}
		sub.Entitlements = result.Apply(sub.Entitlements)
	}

	if sub.Status == subscriptiondomain.SubscriptionStatusActive &&
		sub.CancelAtPeriodEnd &&
		!now.Before(sub.CurrentPeriodEnd) {
		if err := s.closeOut(ctx, tx, sub, now); err != nil {
			return err
		}
	} else if !result.Empty() {
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
	}
	return nil
}

// closeOut finalizes a cancellation whose period has elapsed: the closed
// cycle goes to the history ledger and the subscription ends.
func (s *Service) closeOut(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
	breakdown := s.calc.Compute(sub.ChargeableSubtotal(), nil)
	if err := s.repo.InsertHistory(ctx, tx, &subscriptiondomain.History{
		ID:               s.genID.Generate(),
		SubscriptionID:   sub.ID,
		TenantID:         sub.TenantID,
		BasePriceEUR:     sub.BasePriceEUR,
		ServicesPriceEUR: tax.Round2(breakdown.Subtotal - sub.BasePriceEUR),
		TotalBilledEUR:   breakdown.Total,
		StartedAt:        sub.CurrentPeriodStart,
		EndedAt:          sub.CurrentPeriodEnd,
		CreatedAt:        now,
	}); err != nil {
		return err
	}

	for _, e := range sub.Entitlements {
		if err := s.repo.DeleteEntitlement(ctx, tx, e.ID); err != nil {
			return err
		}
	}
	sub.Entitlements = nil

	sub.Status = subscriptiondomain.SubscriptionStatusCancelled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = now
	s.log.Info("subscription cancelled at period end",
		zap.Int64("subscription_id", int64(sub.ID)),
	)
	return s.repo.Update(ctx, tx, sub)
}

func (s *Service) loadForTenant(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByTenantID(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	sub.Entitlements, err = s.repo.ListEntitlements(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) resolveServices(ctx context.Context, codes []string) ([]catalogdomain.Service, error) {
	services, err := s.catalog.FindAllByCodeIn(ctx, codes)
	if err != nil {
		return nil, err
	}
	if len(services) != len(codes) {
		return nil, catalogdomain.ErrUnknownService
	}
	return services, nil
}

func normalizeCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
