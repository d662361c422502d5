package domain

import "errors"

var (
	ErrPaymentRequestNotFound = errors.New("payment_request_not_found")
	ErrPaymentRequestExpired  = errors.New("payment_request_expired")
	ErrMissingBillingEmail    = errors.New("missing_billing_email")
	ErrManualProviderOnly     = errors.New("manual_provider_only")
	ErrGatewayUnavailable     = errors.New("gateway_unavailable")
	ErrGateway                = errors.New("gateway_error")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrNoGatewayCustomer      = errors.New("no_gateway_customer")
)
