package payment

import (
	"go.uber.org/fx"

	"github.com/veltahq/velta/internal/config"
	"github.com/veltahq/velta/internal/payment/adapters/manual"
	"github.com/veltahq/velta/internal/payment/adapters/stripe"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	"github.com/veltahq/velta/internal/payment/repository"
	"github.com/veltahq/velta/internal/payment/service"
	"github.com/veltahq/velta/internal/payment/webhook"
)

var Module = fx.Module("payment",
	fx.Provide(
		repository.Provide,
		ProvideAdapter,
		service.New,
		func(s *service.Service) paymentdomain.Issuer { return s },
		webhook.New,
	),
)

// ProvideAdapter picks the gateway seam for the configured billing mode.
func ProvideAdapter(cfg config.Config) paymentdomain.GatewayAdapter {
	if cfg.BillingMode == config.BillingModeGateway {
		return stripe.New(cfg.GatewayAPIKey, cfg.GatewayWebhookSecret)
	}
	return manual.New()
}
