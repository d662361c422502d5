package notifier

import (
	"context"
	"time"
)

// PaymentEmail carries everything the billing contact needs to settle a
// pending payment request: either a confirmation link (manual mode) or the
// hosted checkout URL (gateway mode).
type PaymentEmail struct {
	TenantName  string
	AmountEUR   float64
	Currency    string
	ConfirmURL  string
	CheckoutURL string
	ExpiresAt   time.Time
}

// Notifier delivers billing mail. Outbound delivery is an external
// collaborator; callers must treat failures as best-effort.
type Notifier interface {
	SendPaymentEmail(ctx context.Context, to string, email PaymentEmail) error
	SendGeneric(ctx context.Context, to, subject, body string) error
}
