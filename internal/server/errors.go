package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	catalogdomain "github.com/veltahq/velta/internal/catalog/domain"
	invoicedomain "github.com/veltahq/velta/internal/invoice/domain"
	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
	subscriptiondomain "github.com/veltahq/velta/internal/subscription/domain"
	tenantdomain "github.com/veltahq/velta/internal/tenant/domain"
)

var errInvalidRequest = errors.New("invalid_request")

type statusMapping struct {
	err    error
	status int
}

var statusMappings = []statusMapping{
	{tenantdomain.ErrTenantNotFound, http.StatusNotFound},
	{subscriptiondomain.ErrSubscriptionNotFound, http.StatusNotFound},
	{subscriptiondomain.ErrEntitlementNotFound, http.StatusNotFound},
	{paymentdomain.ErrPaymentRequestNotFound, http.StatusNotFound},
	{invoicedomain.ErrInvoiceNotFound, http.StatusNotFound},
	{catalogdomain.ErrUnknownService, http.StatusNotFound},

	{errInvalidRequest, http.StatusBadRequest},
	{subscriptiondomain.ErrInvalidPeriod, http.StatusBadRequest},
	{subscriptiondomain.ErrNoServices, http.StatusBadRequest},
	{paymentdomain.ErrInvalidPayload, http.StatusBadRequest},
	{paymentdomain.ErrInvalidSignature, http.StatusBadRequest},
	{paymentdomain.ErrMissingBillingEmail, http.StatusBadRequest},

	{subscriptiondomain.ErrAlreadySubscribed, http.StatusConflict},
	{subscriptiondomain.ErrPeriodLocked, http.StatusConflict},
	{subscriptiondomain.ErrCancellationElapsed, http.StatusConflict},
	{subscriptiondomain.ErrVersionConflict, http.StatusConflict},
	{subscriptiondomain.ErrInvalidStatus, http.StatusConflict},
	{paymentdomain.ErrManualProviderOnly, http.StatusConflict},
	{paymentdomain.ErrNoGatewayCustomer, http.StatusConflict},

	{paymentdomain.ErrPaymentRequestExpired, http.StatusBadRequest},

	{paymentdomain.ErrGateway, http.StatusBadGateway},
	{paymentdomain.ErrGatewayUnavailable, http.StatusBadGateway},
}

// AbortWithError translates domain sentinels into the API error envelope.
// Unrecognized errors surface as 500 without leaking their message.
func AbortWithError(c *gin.Context, err error) {
	for _, m := range statusMappings {
		if errors.Is(err, m.err) {
			c.AbortWithStatusJSON(m.status, gin.H{"error": gin.H{"code": m.err.Error()}})
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal_error"}})
}
