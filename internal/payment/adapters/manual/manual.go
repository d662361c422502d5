package manual

import (
	"context"
	"net/http"

	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
)

// Adapter is the no-gateway provider. Payments are settled by the
// tenant clicking the emailed confirmation link or by an admin approval.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderManual
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, input paymentdomain.CheckoutSessionInput) (*paymentdomain.CheckoutSession, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (a *Adapter) RetrieveSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (a *Adapter) RetrieveSubscription(ctx context.Context, subscriptionID string) (*paymentdomain.ExternalSubscription, error) {
	return nil, paymentdomain.ErrGatewayUnavailable
}

func (a *Adapter) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", paymentdomain.ErrGatewayUnavailable
}

// VerifyWebhook fails closed. No gateway means no trusted webhook source.
func (a *Adapter) VerifyWebhook(payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	return nil, paymentdomain.ErrInvalidSignature
}
