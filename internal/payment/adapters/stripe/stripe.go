package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/veltahq/velta/internal/payment/domain"
)

const apiBase = "https://api.stripe.com"

type Adapter struct {
	apiKey        string
	webhookSecret string
	client        *http.Client
}

func New(apiKey, webhookSecret string) *Adapter {
	return &Adapter{
		apiKey:        strings.TrimSpace(apiKey),
		webhookSecret: strings.TrimSpace(webhookSecret),
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Provider() string {
	return paymentdomain.ProviderGateway
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, input paymentdomain.CheckoutSessionInput) (*paymentdomain.CheckoutSession, error) {
	data := url.Values{}
	data.Set("mode", "subscription")
	data.Set("success_url", input.SuccessURL)
	data.Set("cancel_url", input.CancelURL)
	data.Set("line_items[0][price_data][currency]", strings.ToLower(input.Currency))
	data.Set("line_items[0][price_data][product_data][name]", input.Description)
	data.Set("line_items[0][price_data][recurring][interval]", input.Interval)
	data.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(toCents(input.AmountEUR), 10))
	data.Set("line_items[0][quantity]", "1")

	if input.CustomerRef != "" {
		data.Set("customer", input.CustomerRef)
	}
	for k, v := range input.Metadata {
		data.Set("metadata["+k+"]", v)
		data.Set("subscription_data[metadata]["+k+"]", v)
	}

	var session stripeCheckoutSession
	if err := a.call(ctx, http.MethodPost, "/v1/checkout/sessions", data, &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

func (a *Adapter) RetrieveSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrGateway
	}

	var session stripeCheckoutSession
	if err := a.call(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

func (a *Adapter) RetrieveSubscription(ctx context.Context, subscriptionID string) (*paymentdomain.ExternalSubscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, paymentdomain.ErrGateway
	}

	var sub stripeSubscription
	if err := a.call(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

func (a *Adapter) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", paymentdomain.ErrNoGatewayCustomer
	}

	data := url.Values{}
	data.Set("customer", customerID)
	if returnURL != "" {
		data.Set("return_url", returnURL)
	}

	var portal struct {
		URL string `json:"url"`
	}
	if err := a.call(ctx, http.MethodPost, "/v1/billing_portal/sessions", data, &portal); err != nil {
		return "", err
	}
	return portal.URL, nil
}

// VerifyWebhook checks the Stripe-Signature header (HMAC-SHA256 over
// "<timestamp>.<payload>") before parsing the event envelope. Fails closed.
func (a *Adapter) VerifyWebhook(payload []byte, headers http.Header) (*paymentdomain.Event, error) {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
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
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	return &paymentdomain.Event{
		ID:     event.ID,
		Type:   event.Type,
		Object: event.Data.Object,
	}, nil
}

func (a *Adapter) call(ctx context.Context, method, path string, form url.Values, out any) error {
	if a.apiKey == "" {
		return paymentdomain.ErrGatewayUnavailable
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: status %d body %s", paymentdomain.ErrGateway, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGateway, err)
	}
	return nil
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	PaymentStatus string            `json:"payment_status"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

func (s stripeCheckoutSession) toDomain() *paymentdomain.CheckoutSession {
	return &paymentdomain.CheckoutSession{
		ID:             s.ID,
		URL:            s.URL,
		PaymentStatus:  s.PaymentStatus,
		CustomerID:     s.Customer,
		SubscriptionID: s.Subscription,
		Metadata:       s.Metadata,
	}
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

func (s stripeSubscription) toDomain() *paymentdomain.ExternalSubscription {
	return &paymentdomain.ExternalSubscription{
		ID:                 s.ID,
		CustomerID:         s.Customer,
		Status:             s.Status,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(s.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(s.CurrentPeriodEnd, 0).UTC(),
	}
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func toCents(amount float64) int64 {
	return int64(amount*100 + 0.5)
}
