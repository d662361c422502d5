package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
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
	"github.com/veltahq/velta/internal/notifier"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	paymentrepo "github.com/veltahq/velta/internal/payment/repository"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	subscriptionrepo "github.com/veltahq/velta/internal/subscription/repository"
	"github.com/veltahq/velta/internal/tax"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

type fakeGateway struct {
	provider    string
	session     *paymentdomain.CheckoutSession
	err         error
	createCalls int
}

func (f *fakeGateway) Provider() string { return f.provider }

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, in paymentdomain.CheckoutSessionInput) (*paymentdomain.CheckoutSession, error) {
	f.createCalls++
	return f.session, f.err
}

func (f *fakeGateway) RetrieveSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	return f.session, f.err
}

func (f *fakeGateway) RetrieveSubscription(ctx context.Context, id string) (*paymentdomain.ExternalSubscription, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (f *fakeGateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://portal.example/" + customerID, nil
}

func (f *fakeGateway) VerifyWebhook(payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	return nil, paymentdomain.ErrInvalidSignature
}

type capturingNotifier struct {
	emails []notifier.PaymentEmail
	to     []string
}

func (n *capturingNotifier) SendPaymentEmail(ctx context.Context, to string, email notifier.PaymentEmail) error {
	n.to = append(n.to, to)
	n.emails = append(n.emails, email)
	return nil
}

func (n *capturingNotifier) SendGeneric(ctx context.Context, to, subject, body string) error {
	return nil
}

type directory struct {
	tenant *tenantdomain.Tenant
}

func (d directory) GetByID(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	if d.tenant != nil && d.tenant.ID == id {
		return d.tenant, nil
	}
	return nil, tenantdomain.ErrTenantNotFound
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	clock   *clock.FixedClock
	gateway *fakeGateway
	mail    *capturingNotifier
	genID   *snowflake.Node
	tenant  *tenantdomain.Tenant
	sub     *subscriptiondomain.Subscription
}

func newFixture(t *testing.T, mode string) *fixture {
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

	genID, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.Fixed(now)
	calc := tax.NewCalculator(0.21)
	log := zap.NewNop()

	provider := paymentdomain.ProviderManual
	if mode == config.BillingModeGateway {
		provider = paymentdomain.ProviderGateway
	}
	gateway := &fakeGateway{provider: provider}
	mail := &capturingNotifier{}

	tenant := &tenantdomain.Tenant{
		ID:           genID.Generate(),
		Name:         "Acme",
		BillingEmail: "billing@acme.test",
	}
	assert.NoError(t, gdb.Create(tenant).Error)

	subRepo := subscriptionrepo.Provide()
	sub := &subscriptiondomain.Subscription{
		ID:                 genID.Generate(),
		TenantID:           tenant.ID,
		Status:             subscriptiondomain.SubscriptionStatusPending,
		Period:             billingcycle.PeriodMonthly,
		BasePriceEUR:       10.00,
		Currency:           "EUR",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   billingcycle.AddPeriod(now, billingcycle.PeriodMonthly),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	assert.NoError(t, subRepo.Insert(context.Background(), gdb, sub))

	ent := subscriptiondomain.Entitlement{
		ID:             genID.Generate(),
		SubscriptionID: sub.ID,
		ServiceCode:    "analytics",
		Status:         subscriptiondomain.EntitlementStatusPending,
		PriceEUR:       5.00,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	assert.NoError(t, subRepo.InsertEntitlements(context.Background(), gdb, []subscriptiondomain.Entitlement{ent}))
	sub.Entitlements = []subscriptiondomain.Entitlement{ent}

	cfg := config.Config{
		PublicBaseURL:     "http://localhost:8080",
		Currency:          "EUR",
		TaxRate:           0.21,
		PaymentRequestTTL: 48 * time.Hour,
		BillingMode:       mode,
	}

	sync := invoiceservice.NewSynchronizer(invoiceservice.SynchronizerParam{
		Log:   log,
		Repo:  invoicerepo.Provide(),
		GenID: genID,
		Calc:  calc,
	})

	svc := New(Param{
		DB:       gdb,
		Log:      log,
		Cfg:      cfg,
		GenID:    genID,
		Clock:    clk,
		Repo:     paymentrepo.Provide(),
		Subs:     subRepo,
		Tenants:  directory{tenant: tenant},
		Gateway:  gateway,
		Invoices: sync,
		Calc:     calc,
		Notify:   mail,
	})

	return &fixture{
		db:      gdb,
		svc:     svc,
		clock:   clk,
		gateway: gateway,
		mail:    mail,
		genID:   genID,
		tenant:  tenant,
		sub:     sub,
	}
}

func (f *fixture) issue(t *testing.T) (*paymentdomain.PaymentRequest, string) {
	t.Helper()
	iss, err := f.svc.Issue(context.Background(), f.db, f.tenant, f.sub)
	require.NoError(t, err)
	require.NoError(t, f.svc.Dispatch(context.Background(), f.tenant, f.sub, iss))
	assert.Len(t, f.mail.emails, 1)

	token := iss.ConfirmURL[len("http://localhost:8080/billing/confirm?token="):]
	return iss.Request, token
}

func TestIssue_AmountIncludesEntitlementsAndTax(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)

	pr, token := f.issue(t)

	// base 10 + analytics 5 = 15, plus 21% tax.
	assert.Equal(t, 18.15, pr.AmountEUR)
	assert.Equal(t, paymentdomain.PaymentRequestStatusPending, pr.Status)
	assert.Equal(t, HashToken(token), pr.TokenHash)
	assert.Equal(t, "billing@acme.test", f.mail.to[0])
	assert.Equal(t, f.clock.Now(context.Background()).Add(48*time.Hour), pr.ExpiresAt)
}

func TestIssue_RequiresBillingEmail(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)
	f.tenant.BillingEmail = "  "

	_, err := f.svc.Issue(context.Background(), f.db, f.tenant, f.sub)
	assert.ErrorIs(t, err, paymentdomain.ErrMissingBillingEmail)
}

func TestIssue_GatewayModeAttachesCheckoutSession(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)
	f.gateway.session = &paymentdomain.CheckoutSession{
		ID:  "cs_123",
		URL: "https://checkout.example/cs_123",
	}

	pr, _ := f.issue(t)

	assert.NotNil(t, pr.GatewayRef)
	assert.Equal(t, "cs_123", *pr.GatewayRef)
	assert.Equal(t, "https://checkout.example/cs_123", f.mail.emails[0].CheckoutURL)
}

func TestIssue_GatewayFailureFallsBackToConfirmLink(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)
	f.gateway.err = paymentdomain.ErrGateway

	pr, token := f.issue(t)

	assert.Nil(t, pr.GatewayRef)
	assert.NotEmpty(t, token)
	assert.Empty(t, f.mail.emails[0].CheckoutURL)
}

func TestIssue_GatewayCallDeferredToDispatch(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)
	f.gateway.session = &paymentdomain.CheckoutSession{
		ID:  "cs_123",
		URL: "https://checkout.example/cs_123",
	}

	// Issue only records the request; the network round-trip to the gateway
	// must not happen while the caller's transaction is open.
	iss, err := f.svc.Issue(context.Background(), f.db, f.tenant, f.sub)
	require.NoError(t, err)
	assert.Equal(t, 0, f.gateway.createCalls)
	assert.Empty(t, f.mail.emails)

	require.NoError(t, f.svc.Dispatch(context.Background(), f.tenant, f.sub, iss))
	assert.Equal(t, 1, f.gateway.createCalls)
	assert.Len(t, f.mail.emails, 1)
}

func TestConfirmGatewaySession_LeavesInvoiceToWebhook(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)
	f.gateway.session = &paymentdomain.CheckoutSession{
		ID:         "cs_123",
		URL:        "https://checkout.example/cs_123",
		CustomerID: "cus_42",
	}
	f.issue(t)

	sub, err := f.svc.ConfirmGatewaySession(context.Background(), "cs_123")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.GatewayCustomerID)
	assert.Equal(t, "cus_42", *sub.GatewayCustomerID)

	// The paid invoice is written by the invoice.paid webhook, keyed by the
	// gateway invoice id. Settling one here too would duplicate the charge.
	var count int64
	assert.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM invoices WHERE subscription_id = ?`, f.sub.ID).Scan(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestConfirmPaymentByToken_ActivatesOnce(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)
	_, token := f.issue(t)

	sub, err := f.svc.ConfirmPaymentByToken(context.Background(), token)
	assert.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Len(t, sub.Entitlements, 1)
	assert.Equal(t, subscriptiondomain.EntitlementStatusActive, sub.Entitlements[0].Status)

	// The period restarts at confirmation time.
	now := f.clock.Now(context.Background())
	assert.Equal(t, now, sub.CurrentPeriodStart)
	assert.Equal(t, billingcycle.AddPeriod(now, billingcycle.PeriodMonthly), sub.CurrentPeriodEnd)

	// The token is burned.
	_, err = f.svc.ConfirmPaymentByToken(context.Background(), token)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentRequestNotFound)
}

func TestConfirmPaymentByToken_SettlesInvoice(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)
	_, token := f.issue(t)

	_, err := f.svc.ConfirmPaymentByToken(context.Background(), token)
	assert.NoError(t, err)

	var inv invoicedomain.Invoice
	assert.NoError(t, f.db.Raw(`SELECT * FROM invoices WHERE subscription_id = ?`, f.sub.ID).Scan(&inv).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 18.15, inv.TotalEUR)
	assert.Equal(t, 15.00, inv.BasePriceEUR+inv.ServicesPriceEUR)
	assert.NotNil(t, inv.PaidAt)
}

func TestConfirmPaymentByToken_UnknownToken(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)

	_, err := f.svc.ConfirmPaymentByToken(context.Background(), "not-a-real-token")
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentRequestNotFound)
}

func TestConfirmPaymentByToken_ExpiredBurnsToken(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)
	pr, token := f.issue(t)

	f.clock.Advance(49 * time.Hour)

	_, err := f.svc.ConfirmPaymentByToken(context.Background(), token)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentRequestExpired)

	var status string
	assert.NoError(t, f.db.Raw(`SELECT status FROM payment_requests WHERE id = ?`, pr.ID).Scan(&status).Error)
	assert.Equal(t, "expired", status)

	// Burned for good, even on retry.
	_, err = f.svc.ConfirmPaymentByToken(context.Background(), token)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentRequestNotFound)

	var subStatus string
	assert.NoError(t, f.db.Raw(`SELECT status FROM subscriptions WHERE id = ?`, f.sub.ID).Scan(&subStatus).Error)
	assert.Equal(t, "pending", subStatus)
}

func TestApprovePaymentByAdmin(t *testing.T) {
	f := newFixture(t, config.BillingModeManual)
	pr, _ := f.issue(t)

	approved, err := f.svc.ApprovePaymentByAdmin(context.Background(), pr.ID)
	assert.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentRequestStatusCompleted, approved.Status)

	var subStatus string
	assert.NoError(t, f.db.Raw(`SELECT status FROM subscriptions WHERE id = ?`, f.sub.ID).Scan(&subStatus).Error)
	assert.Equal(t, "active", subStatus)

	// A second approval is a no-op, not an error.
	again, err := f.svc.ApprovePaymentByAdmin(context.Background(), pr.ID)
	assert.NoError(t, err)
	assert.Equal(t, paymentdomain.PaymentRequestStatusCompleted, again.Status)
}

func TestApprovePaymentByAdmin_GatewayRequestRefused(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)
	f.gateway.session = &paymentdomain.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}
	pr, _ := f.issue(t)

	_, err := f.svc.ApprovePaymentByAdmin(context.Background(), pr.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrManualProviderOnly)
}

func TestCreateBillingPortalSession_RequiresGatewayCustomer(t *testing.T) {
	f := newFixture(t, config.BillingModeGateway)

	_, err := f.svc.CreateBillingPortalSession(context.Background(), f.tenant.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrNoGatewayCustomer)

	customer := "cus_42"
	f.sub.GatewayCustomerID = &customer
	assert.NoError(t, f.db.Exec(`UPDATE subscriptions SET gateway_customer_id = ? WHERE id = ?`, customer, f.sub.ID).Error)

	url, err := f.svc.CreateBillingPortalSession(context.Background(), f.tenant.ID)
	assert.NoError(t, err)
	assert.Equal(t, "https://portal.example/cus_42", url)
}
