package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records outgoing mail instead of delivering it. Used wherever
// a real mail transport is not wired in.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notifier")}
}

func (n *LogNotifier) SendPaymentEmail(ctx context.Context, to string, email PaymentEmail) error {
	n.log.Info("payment email",
		zap.String("to", to),
		zap.String("tenant", email.TenantName),
		zap.Float64("amount_eur", email.AmountEUR),
		zap.String("confirm_url", email.ConfirmURL),
		zap.String("checkout_url", email.CheckoutURL),
		zap.Time("expires_at", email.ExpiresAt))
	return nil
}

func (n *LogNotifier) SendGeneric(ctx context.Context, to, subject, body string) error {
	n.log.Info("generic email",
		zap.String("to", to),
		zap.String("subject", subject))
	return nil
}
