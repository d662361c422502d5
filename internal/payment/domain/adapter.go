package domain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Event is a verified gateway webhook delivery.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

type CheckoutSessionInput struct {
	AmountEUR   float64
	Currency    string
	Description string
	Interval    string // "month" or "year"
	CustomerRef string // gateway customer id, empty on first checkout
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type CheckoutSession struct {
	ID             string
	URL            string
	PaymentStatus  string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// ExternalSubscription mirrors the gateway's view of a subscription. The
// gateway is authoritative for period boundaries on its own events.
type ExternalSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// GatewayAdapter is the only seam to the external payment processor. Calls
// carry their own timeouts and never mutate local subscription state.
type GatewayAdapter interface {
	Provider() string
	CreateCheckoutSession(ctx context.Context, input CheckoutSessionInput) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ExternalSubscription, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	VerifyWebhook(payload []byte, headers http.Header) (*Event, error)
}
