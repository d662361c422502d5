package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/veltahq/velta/internal/billingcycle"
	"github.com/veltahq/velta/internal/clock"
	"github.com/veltahq/velta/internal/config"
	invoicedomain "github.com/veltahq/velta/internal/invoice/domain"
	invoicerepo "github.com/veltahq/velta/internal/invoice/repository"
	invoiceservice "github.com/veltahq/velta/internal/invoice/service"
	"github.com/veltahq/velta/internal/metrics"
	"github.com/veltahq/velta/internal/notifier"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	paymentrepo "github.com/veltahq/velta/internal/payment/repository"
	paymentservice "github.com/veltahq/velta/internal/payment/service"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	subscriptionrepo "github.com/veltahq/velta/internal/subscription/repository"
	"github.com/veltahq/velta/internal/tax"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

// verifyingGateway accepts any delivery carrying the shared test secret and
// rejects everything else, standing in for real signature verification.
type verifyingGateway struct{}

func (verifyingGateway) Provider() string { return paymentdomain.ProviderGateway }

func (verifyingGateway) CreateCheckoutSession(ctx context.Context, in paymentdomain.CheckoutSessionInput) (*paymentdomain.CheckoutSession, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (verifyingGateway) RetrieveSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (verifyingGateway) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.ExternalSubscription, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (verifyingGateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", paymentdomain.ErrGatewayUnavailable
}

func (verifyingGateway) VerifyWebhook(payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	if headers.Get("X-Test-Signature") != "valid" {
		return nil, paymentdomain.ErrInvalidSignature
	}
	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	return &paymentdomain.Event{ID: event.ID, Type: event.Type, Object: event.Data.Object}, nil
}

type nopNotifier struct{}

func (nopNotifier) SendPaymentEmail(ctx context.Context, to string, email notifier.PaymentEmail) error {
	return nil
}
func (nopNotifier) SendGeneric(ctx context.Context, to, subject, body string) error { return nil }

type tenantLookup struct{ tenant *tenantdomain.Tenant }

func (l tenantLookup) GetByID(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return l.tenant, nil
}

type fixture struct {
	db       *gorm.DB
	ingestor *Ingestor
	clock    *clock.FixedClock
	genID    *snowflake.Node
	subs     subscriptiondomain.Repository
	payments paymentdomain.Repository
	invoices invoicedomain.Repository
	sub      *subscriptiondomain.Subscription
	tenant   *tenantdomain.Tenant
}

func newFixture(t *testing.T, redisClient *redis.Client) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// The in-memory database lives on a single connection; a second pooled
	// connection would see an empty schema.
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(
		&tenantdomain.Tenant{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Entitlement{},
		&subscriptiondomain.History{},
		&paymentdomain.PaymentRequest{},
		&paymentdomain.GatewayEvent{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
	))

	genID, err := snowflake.NewNode(2)
	assert.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fixed(now)
	calc := tax.NewCalculator(0.21)
	log := zap.NewNop()
	gateway := verifyingGateway{}

	tenant := &tenantdomain.Tenant{
		ID:           genID.Generate(),
		Name:         "Acme",
		BillingEmail: "billing@acme.test",
	}
	assert.NoError(t, gdb.Create(tenant).Error)

	subRepo := subscriptionrepo.Provide()
	gwSubRef := "sub_gw_1"
	sub := &subscriptiondomain.Subscription{
		ID:                    genID.Generate(),
		TenantID:              tenant.ID,
		Status:                subscriptiondomain.SubscriptionStatusActive,
		Period:                billingcycle.PeriodMonthly,
		BasePriceEUR:          10.00,
		Currency:              "EUR",
		CurrentPeriodStart:    now.AddDate(0, -1, 0),
		CurrentPeriodEnd:      now,
		GatewaySubscriptionID: &gwSubRef,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	assert.NoError(t, subRepo.Insert(context.Background(), gdb, sub))

	ent := subscriptiondomain.Entitlement{
		ID:             genID.Generate(),
		SubscriptionID: sub.ID,
		ServiceCode:    "analytics",
		Status:         subscriptiondomain.EntitlementStatusActive,
		PriceEUR:       5.00,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assert.NoError(t, subRepo.InsertEntitlements(context.Background(), gdb, []subscriptiondomain.Entitlement{ent}))
	sub.Entitlements = []subscriptiondomain.Entitlement{ent}

	payRepo := paymentrepo.Provide()
	invRepo := invoicerepo.Provide()
	sync := invoiceservice.NewSynchronizer(invoiceservice.SynchronizerParam{
		Log:   log,
		Repo:  invRepo,
		GenID: genID,
		Calc:  calc,
	})

	paySvc := paymentservice.New(paymentservice.Param{
		DB:    gdb,
		Log:   log,
		Cfg:   config.Config{BillingMode: config.BillingModeGateway, PaymentRequestTTL: 48 * time.Hour},
		GenID: genID, Clock: clk,
		Repo: payRepo, Subs: subRepo,
		Tenants: tenantLookup{tenant: tenant},
		Gateway: gateway, Invoices: sync, Calc: calc,
		Notify: nopNotifier{},
	})

	ingestor := New(Param{
		DB: gdb, Log: log, Clock: clk,
		Gateway: gateway, Repo: payRepo, Subs: subRepo,
		Invoices: invRepo, Sync: sync, Payments: paySvc,
		Calc: calc, Redis: redisClient,
		Metrics: metrics.New(), GenID: genID,
	})

	return &fixture{
		db:       gdb,
		ingestor: ingestor,
		clock:    clk,
		genID:    genID,
		subs:     subRepo,
		payments: payRepo,
		invoices: invRepo,
		sub:      sub,
		tenant:   tenant,
	}
}

func signedHeaders() http.Header {
	headers := http.Header{}
	headers.Set("X-Test-Signature", "valid")
	return headers
}

func envelope(t *testing.T, eventID, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	assert.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})
	assert.NoError(t, err)
	return payload
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)

	err := f.ingestor.Ingest(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestIngest_InvoicePaidAdoptsGatewayPeriodsAndAmounts(t *testing.T) {
	f := newFixture(t, nil)

	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	payload := envelope(t, "evt_1", "invoice.paid", map[string]any{
		"id":           "in_100",
		"subscription": "sub_gw_1",
		"amount_paid":  1815,
		"period_start": periodStart.Unix(),
		"period_end":   periodEnd.Unix(),
	})

	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	sub, err := f.subs.FindByID(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, periodStart, sub.CurrentPeriodStart)
	assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)

	inv, err := f.invoices.FindByGatewayInvoiceID(context.Background(), f.db, "in_100")
	assert.NoError(t, err)
	assert.NotNil(t, inv)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 18.15, inv.TotalEUR)
	assert.Equal(t, 3.15, inv.TaxEUR)
	assert.Equal(t, 5.00, inv.ServicesPriceEUR)
}

func TestIngest_DuplicateEventIsAcknowledgedOnce(t *testing.T) {
	f := newFixture(t, nil)

	payload := envelope(t, "evt_dup", "invoice.paid", map[string]any{
		"id":           "in_200",
		"subscription": "sub_gw_1",
		"amount_paid":  1815,
	})

	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	var count int64
	assert.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM invoices WHERE gateway_invoice_id = ?`, "in_200").Scan(&count).Error)
	assert.Equal(t, int64(1), count)

	var events int64
	assert.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM gateway_events WHERE event_id = ?`, "evt_dup").Scan(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestIngest_ReplayedInvoiceUnderNewEventIDIsNoOp(t *testing.T) {
	f := newFixture(t, nil)

	object := map[string]any{
		"id":           "in_300",
		"subscription": "sub_gw_1",
		"amount_paid":  1815,
	}
	assert.NoError(t, f.ingestor.Ingest(context.Background(), envelope(t, "evt_a", "invoice.paid", object), signedHeaders()))
	assert.NoError(t, f.ingestor.Ingest(context.Background(), envelope(t, "evt_b", "invoice.paid", object), signedHeaders()))

	var count int64
	assert.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM invoices WHERE gateway_invoice_id = ?`, "in_300").Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIngest_RedisShortCircuitsDuplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := newFixture(t, client)

	payload := envelope(t, "evt_redis", "invoice.paid", map[string]any{
		"id":           "in_400",
		"subscription": "sub_gw_1",
		"amount_paid":  1815,
	})

	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))
	assert.True(t, mr.Exists("velta:webhook:evt_redis"))
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))
}

func TestIngest_InvoicePaymentFailedMarksPastDue(t *testing.T) {
	f := newFixture(t, nil)

	payload := envelope(t, "evt_2", "invoice.payment_failed", map[string]any{
		"id":           "in_500",
		"subscription": "sub_gw_1",
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	sub, err := f.subs.FindByID(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
}

func TestIngest_CheckoutCompletedActivatesPendingRequest(t *testing.T) {
	f := newFixture(t, nil)

	// Reset the subscription to a fresh pending signup with a pending request.
	assert.NoError(t, f.db.Exec(`UPDATE subscriptions SET status = 'pending', gateway_subscription_id = NULL WHERE id = ?`, f.sub.ID).Error)
	pr := &paymentdomain.PaymentRequest{
		ID:             f.genID.Generate(),
		TenantID:       f.tenant.ID,
		SubscriptionID: f.sub.ID,
		Email:          "billing@acme.test",
		Status:         paymentdomain.PaymentRequestStatusPending,
		Provider:       paymentdomain.ProviderGateway,
		TokenHash:      paymentservice.HashToken("tok"),
		AmountEUR:      18.15,
		ExpiresAt:      f.clock.Now(context.Background()).Add(48 * time.Hour),
	}
	assert.NoError(t, f.payments.Insert(context.Background(), f.db, pr))

	payload := envelope(t, "evt_3", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"customer":     "cus_9",
		"subscription": "sub_gw_9",
		"metadata":     map[string]string{"payment_request_id": pr.ID.String()},
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	sub, err := f.subs.FindByID(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "cus_9", *sub.GatewayCustomerID)
	assert.Equal(t, "sub_gw_9", *sub.GatewaySubscriptionID)

	stored, err := f.payments.FindByID(context.Background(), f.db, pr.ID)
	assert.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentRequestStatusCompleted, stored.Status)

	// No invoice yet: invoice.paid carries the authoritative amounts.
	var count int64
	assert.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM invoices WHERE subscription_id = ?`, f.sub.ID).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestIngest_SubscriptionUpdatedSchedulesCancellation(t *testing.T) {
	f := newFixture(t, nil)

	periodEnd := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	payload := envelope(t, "evt_4", "customer.subscription.updated", map[string]any{
		"id":                   "sub_gw_1",
		"status":               "active",
		"cancel_at_period_end": true,
		"current_period_start": time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"current_period_end":   periodEnd.Unix(),
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	sub, err := f.subs.FindByID(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)

	ents, err := f.subs.ListEntitlements(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Len(t, ents, 1)
	assert.Equal(t, subscriptiondomain.EntitlementStatusPendingRemoval, ents[0].Status)
	assert.Equal(t, periodEnd, ents[0].DeactivateAt.UTC())

	// Reinstating clears the schedule.
	payload = envelope(t, "evt_5", "customer.subscription.updated", map[string]any{
		"id":                   "sub_gw_1",
		"status":               "active",
		"cancel_at_period_end": false,
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	ents, err = f.subs.ListEntitlements(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.EntitlementStatusActive, ents[0].Status)
	assert.Nil(t, ents[0].DeactivateAt)
}

func TestIngest_SubscriptionUpdatedExecutesElapsedRemovalBeforeReinstating(t *testing.T) {
	f := newFixture(t, nil)

	elapsed := f.clock.Now(context.Background()).Add(-time.Hour)
	ent := subscriptiondomain.Entitlement{
		ID:             f.genID.Generate(),
		SubscriptionID: f.sub.ID,
		ServiceCode:    "storage",
		Status:         subscriptiondomain.EntitlementStatusPendingRemoval,
		PriceEUR:       3.00,
		DeactivateAt:   &elapsed,
		CreatedAt:      elapsed,
		UpdatedAt:      elapsed,
	}
	assert.NoError(t, f.subs.InsertEntitlements(context.Background(), f.db, []subscriptiondomain.Entitlement{ent}))
	assert.NoError(t, f.db.Exec(`UPDATE subscriptions SET cancel_at_period_end = ? WHERE id = ?`, true, f.sub.ID).Error)

	// Clearing cancel_at_period_end cannot resurrect a removal whose deadline
	// already passed; that removal is executed before the flag is applied.
	payload := envelope(t, "evt_7", "customer.subscription.updated", map[string]any{
		"id":                   "sub_gw_1",
		"status":               "active",
		"cancel_at_period_end": false,
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	ents, err := f.subs.ListEntitlements(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "analytics", ents[0].ServiceCode)
	assert.Equal(t, subscriptiondomain.EntitlementStatusActive, ents[0].Status)
}

func TestIngest_ReinstateOnlyAppliesToActiveSubscriptions(t *testing.T) {
	f := newFixture(t, nil)

	deadline := f.clock.Now(context.Background()).Add(12 * time.Hour)
	assert.NoError(t, f.db.Exec(
		`UPDATE entitlements SET status = ?, deactivate_at = ? WHERE subscription_id = ?`,
		subscriptiondomain.EntitlementStatusPendingRemoval, deadline, f.sub.ID,
	).Error)
	assert.NoError(t, f.db.Exec(
		`UPDATE subscriptions SET status = ?, cancel_at_period_end = ? WHERE id = ?`,
		subscriptiondomain.SubscriptionStatusPastDue, true, f.sub.ID,
	).Error)

	payload := envelope(t, "evt_8", "customer.subscription.updated", map[string]any{
		"id":                   "sub_gw_1",
		"status":               "past_due",
		"cancel_at_period_end": false,
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	ents, err := f.subs.ListEntitlements(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, subscriptiondomain.EntitlementStatusPendingRemoval, ents[0].Status)
	assert.NotNil(t, ents[0].DeactivateAt)
}

func TestIngest_SubscriptionDeletedCancelsAndWritesHistory(t *testing.T) {
	f := newFixture(t, nil)

	payload := envelope(t, "evt_6", "customer.subscription.deleted", map[string]any{
		"id": "sub_gw_1",
	})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))

	sub, err := f.subs.FindByID(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, f.clock.Now(context.Background()), sub.CurrentPeriodEnd)

	ents, err := f.subs.ListEntitlements(context.Background(), f.db, f.sub.ID)
	assert.NoError(t, err)
	assert.Empty(t, ents)

	var history subscriptiondomain.History
	assert.NoError(t, f.db.Raw(`SELECT * FROM subscription_histories WHERE subscription_id = ?`, f.sub.ID).Scan(&history).Error)
	assert.Equal(t, 18.15, history.TotalBilledEUR)
	assert.Equal(t, 5.00, history.ServicesPriceEUR)
}

func TestIngest_UnknownEventTypeAcknowledged(t *testing.T) {
	f := newFixture(t, nil)

	payload := envelope(t, "evt_7", "charge.refunded", map[string]any{"id": "ch_1"})
	assert.NoError(t, f.ingestor.Ingest(context.Background(), payload, signedHeaders()))
}
