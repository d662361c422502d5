package domain

import (
	"context"

	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
	"gorm.io/gorm"
)

// Issuance is a freshly issued payment request together with the confirm
// link built from the raw token. The raw token is never stored; this struct
// is the only carrier between issuing the row and mailing the link.
type Issuance struct {
	Request    *PaymentRequest
	ConfirmURL string
}

// Issuer builds pending payment requests. Split out as an interface so the
// subscription service can trigger billing without importing the payment
// service package. Issue writes the request inside the caller's transaction
// and must not touch the network; Dispatch runs after that transaction
// commits and carries the gateway call and the notification mail.
type Issuer interface {
	Issue(ctx context.Context, tx *gorm.DB, tenant *tenantdomain.Tenant, sub *subscriptiondomain.Subscription) (*Issuance, error)
	Dispatch(ctx context.Context, tenant *tenantdomain.Tenant, sub *subscriptiondomain.Subscription, iss *Issuance) error
}
